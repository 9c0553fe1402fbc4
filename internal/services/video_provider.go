package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"google.golang.org/api/option"
	youtube "google.golang.org/api/youtube/v3"

	"github.com/NicoHurtado/p2c/internal/clients/redis"
	"github.com/NicoHurtado/p2c/internal/logger"
	"github.com/NicoHurtado/p2c/internal/types"
	"github.com/NicoHurtado/p2c/internal/utils"
)

const (
	videoSearchCacheTTL = 6 * time.Hour
	maxVideosPerModule  = 3
	minRelevanceScore   = 0.3
)

// VideoProviderService finds supplementary videos for a module. Video search
// is best effort everywhere: without an API key, or on any search failure,
// callers get an empty list and the module ships without videos.
type VideoProviderService interface {
	SearchForModule(ctx context.Context, courseTopic, moduleTitle string, concepts []string) []types.VideoResource
	SearchForConcept(ctx context.Context, courseTopic, concept string) *types.VideoResource
	Enabled() bool
}

type videoProviderService struct {
	log   *logger.Logger
	yt    *youtube.Service
	cache redis.CacheService
}

func NewVideoProviderService(log *logger.Logger, cache redis.CacheService) VideoProviderService {
	serviceLog := log.With("service", "VideoProviderService")

	apiKey := strings.TrimSpace(utils.GetEnv("YOUTUBE_API_KEY", "", nil))
	if apiKey == "" {
		serviceLog.Warn("YOUTUBE_API_KEY not set, video search disabled")
		return &videoProviderService{log: serviceLog, cache: cache}
	}

	yt, err := youtube.NewService(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		serviceLog.Warn("YouTube client init failed, video search disabled", "error", err)
		return &videoProviderService{log: serviceLog, cache: cache}
	}

	return &videoProviderService{log: serviceLog, yt: yt, cache: cache}
}

func (s *videoProviderService) Enabled() bool { return s.yt != nil }

func (s *videoProviderService) SearchForModule(ctx context.Context, courseTopic, moduleTitle string, concepts []string) []types.VideoResource {
	if s.yt == nil {
		return []types.VideoResource{}
	}

	query := strings.TrimSpace(courseTopic + " " + moduleTitle)
	cacheKey := redis.Key("video_search", strings.ToLower(query))
	if raw, ok := s.cache.Get(ctx, cacheKey); ok {
		var cached []types.VideoResource
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached
		}
	}

	candidates, err := s.search(ctx, query, 10)
	if err != nil {
		s.log.Warn("Video search failed", "query", query, "error", err)
		return []types.VideoResource{}
	}

	keywords := relevanceKeywords(courseTopic, moduleTitle, concepts)
	videos := filterRelevant(candidates, keywords, maxVideosPerModule)
	s.fillDurations(ctx, videos)

	s.cache.Set(ctx, cacheKey, videos, videoSearchCacheTTL)
	return videos
}

// SearchForConcept picks the single best match for one concept chunk, or nil
// when nothing relevant exists.
func (s *videoProviderService) SearchForConcept(ctx context.Context, courseTopic, concept string) *types.VideoResource {
	if s.yt == nil {
		return nil
	}

	query := strings.TrimSpace(courseTopic + " " + concept)
	cacheKey := redis.Key("video_search_concept", strings.ToLower(query))
	if raw, ok := s.cache.Get(ctx, cacheKey); ok {
		var cached []types.VideoResource
		if err := json.Unmarshal(raw, &cached); err == nil {
			if len(cached) == 0 {
				return nil
			}
			return &cached[0]
		}
	}

	candidates, err := s.search(ctx, query, 5)
	if err != nil {
		s.log.Warn("Concept video search failed", "query", query, "error", err)
		return nil
	}

	videos := filterRelevant(candidates, relevanceKeywords(courseTopic, concept), 1)
	s.fillDurations(ctx, videos)
	s.cache.Set(ctx, cacheKey, videos, videoSearchCacheTTL)
	if len(videos) == 0 {
		return nil
	}
	return &videos[0]
}

func (s *videoProviderService) search(ctx context.Context, query string, maxResults int64) ([]types.VideoResource, error) {
	resp, err := s.yt.Search.List([]string{"snippet"}).
		Q(query).
		Type("video").
		VideoEmbeddable("true").
		SafeSearch("strict").
		MaxResults(maxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("youtube search: %w", err)
	}

	out := make([]types.VideoResource, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Id == nil || item.Id.VideoId == "" || item.Snippet == nil {
			continue
		}
		out = append(out, types.VideoResource{
			VideoID:      item.Id.VideoId,
			Title:        item.Snippet.Title,
			Description:  item.Snippet.Description,
			ThumbnailURL: thumbnailURL(item.Snippet.Thumbnails),
			ChannelName:  item.Snippet.ChannelTitle,
			URL:          "https://www.youtube.com/watch?v=" + item.Id.VideoId,
		})
	}
	return out, nil
}

// fillDurations resolves ISO 8601 durations with one batched videos.list
// call. Failures leave durations empty.
func (s *videoProviderService) fillDurations(ctx context.Context, videos []types.VideoResource) {
	if len(videos) == 0 {
		return
	}
	ids := make([]string, len(videos))
	for i, v := range videos {
		ids[i] = v.VideoID
	}
	resp, err := s.yt.Videos.List([]string{"contentDetails"}).
		Id(ids...).
		Context(ctx).
		Do()
	if err != nil {
		s.log.Warn("Video duration lookup failed", "error", err)
		return
	}
	byID := make(map[string]string, len(resp.Items))
	for _, item := range resp.Items {
		if item.ContentDetails != nil {
			byID[item.Id] = item.ContentDetails.Duration
		}
	}
	for i := range videos {
		videos[i].Duration = byID[videos[i].VideoID]
	}
}

func thumbnailURL(t *youtube.ThumbnailDetails) string {
	if t == nil {
		return ""
	}
	switch {
	case t.Medium != nil:
		return t.Medium.Url
	case t.High != nil:
		return t.High.Url
	case t.Default != nil:
		return t.Default.Url
	default:
		return ""
	}
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"module": true, "course": true, "introduction": true, "intro": true,
	"what": true, "how": true, "your": true, "you": true, "this": true,
}

// relevanceKeywords builds the lowercase keyword set a candidate video must
// overlap with to count as relevant.
func relevanceKeywords(parts ...any) []string {
	seen := map[string]bool{}
	var out []string
	add := func(text string) {
		for _, w := range strings.Fields(strings.ToLower(text)) {
			w = strings.Trim(w, ".,:;!?()[]\"'")
			if len(w) < 3 || stopwords[w] || seen[w] {
				continue
			}
			seen[w] = true
			out = append(out, w)
		}
	}
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			add(v)
		case []string:
			for _, s := range v {
				add(s)
			}
		}
	}
	return out
}

// filterRelevant keeps candidates whose title or description mentions enough
// of the topic keywords, scored by overlap fraction.
func filterRelevant(candidates []types.VideoResource, keywords []string, limit int) []types.VideoResource {
	if len(keywords) == 0 {
		if len(candidates) > limit {
			candidates = candidates[:limit]
		}
		return candidates
	}

	scored := make([]types.VideoResource, 0, len(candidates))
	for _, v := range candidates {
		haystack := strings.ToLower(v.Title + " " + v.Description)
		hits := 0
		for _, kw := range keywords {
			if strings.Contains(haystack, kw) {
				hits++
			}
		}
		score := float64(hits) / float64(len(keywords))
		if score < minRelevanceScore {
			continue
		}
		v.RelevanceScore = score
		scored = append(scored, v)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].RelevanceScore > scored[j].RelevanceScore
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}
