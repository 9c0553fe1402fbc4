package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/NicoHurtado/p2c/internal/logger"
	"github.com/NicoHurtado/p2c/internal/types"
)

// CourseRepo is the document gateway for the course aggregate. All mutations
// during background generation go through per-path partial updates: a worker
// for slot i only ever touches modules[i], never the whole array, which is
// what makes concurrent slot writers safe without locks.
type CourseRepo interface {
	Create(ctx context.Context, tx *gorm.DB, courses []*types.Course) ([]*types.Course, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Course, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	SetModuleSlot(ctx context.Context, tx *gorm.DB, id uuid.UUID, index int, slot types.ModuleSlot) error
	AppendModuleAudio(ctx context.Context, tx *gorm.DB, id uuid.UUID, index int, audio types.AudioResource) error
	Count(ctx context.Context, tx *gorm.DB) (int64, error)
	CountByStatus(ctx context.Context, tx *gorm.DB, status types.CourseStatus) (int64, error)
}

type courseRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCourseRepo(db *gorm.DB, baseLog *logger.Logger) CourseRepo {
	return &courseRepo{db: db, log: baseLog.With("repo", "CourseRepo")}
}

func (r *courseRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *courseRepo) Create(ctx context.Context, tx *gorm.DB, courses []*types.Course) ([]*types.Course, error) {
	if len(courses) == 0 {
		return []*types.Course{}, nil
	}
	if err := r.conn(tx).WithContext(ctx).Create(&courses).Error; err != nil {
		return nil, err
	}
	return courses, nil
}

func (r *courseRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Course, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var course types.Course
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&course).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &course, nil
}

func (r *courseRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.conn(tx).WithContext(ctx).Model(&types.Course{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// SetModuleSlot writes one slot of the modules array in place. jsonb_set
// replaces only the element at the given index, so siblings writing other
// indexes concurrently cannot clobber this write.
func (r *courseRepo) SetModuleSlot(ctx context.Context, tx *gorm.DB, id uuid.UUID, index int, slot types.ModuleSlot) error {
	if index < 0 {
		return fmt.Errorf("module slot index %d out of range", index)
	}
	payload, err := json.Marshal(slot)
	if err != nil {
		return fmt.Errorf("marshal module slot: %w", err)
	}
	path := fmt.Sprintf("{%d}", index)
	return r.conn(tx).WithContext(ctx).Model(&types.Course{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"modules":    gorm.Expr("jsonb_set(modules, ?::text[], ?::jsonb, false)", path, string(payload)),
			"updated_at": time.Now(),
		}).Error
}

// AppendModuleAudio appends one audio resource under the ready module at the
// given slot. Append-only, same single-path discipline as SetModuleSlot.
func (r *courseRepo) AppendModuleAudio(ctx context.Context, tx *gorm.DB, id uuid.UUID, index int, audio types.AudioResource) error {
	if index < 0 {
		return fmt.Errorf("module slot index %d out of range", index)
	}
	payload, err := json.Marshal(audio)
	if err != nil {
		return fmt.Errorf("marshal audio resource: %w", err)
	}
	path := fmt.Sprintf("{%d,module,resources,audios}", index)
	return r.conn(tx).WithContext(ctx).Model(&types.Course{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"modules": gorm.Expr(
				"jsonb_set(modules, ?::text[], COALESCE(modules #> ?::text[], '[]'::jsonb) || ?::jsonb, true)",
				path, path, string(payload)),
			"updated_at": time.Now(),
		}).Error
}

func (r *courseRepo) Count(ctx context.Context, tx *gorm.DB) (int64, error) {
	var n int64
	err := r.conn(tx).WithContext(ctx).Model(&types.Course{}).Count(&n).Error
	return n, err
}

func (r *courseRepo) CountByStatus(ctx context.Context, tx *gorm.DB, status types.CourseStatus) (int64, error) {
	var n int64
	err := r.conn(tx).WithContext(ctx).Model(&types.Course{}).
		Where("status = ?", string(status)).
		Count(&n).Error
	return n, err
}
