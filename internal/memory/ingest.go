package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/graph"
	"github.com/companion-memory-kernel/internal/jsonx"
	"github.com/companion-memory-kernel/internal/llm"
	"github.com/companion-memory-kernel/internal/textindex"
	"github.com/companion-memory-kernel/internal/vectorindex"
)

// extractedEntity is one entity the model pulled out of an episode.
type extractedEntity struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

// extractedFact is one candidate relationship between named entities.
type extractedFact struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
	Fact      string `json:"fact"`
	ValidAt   string `json:"valid_at,omitempty"`
}

const entityExtractionSchema = `输出格式：
{"extracted_entities": [{"name": "实体名", "summary": "一句话描述"}]}`

const factExtractionSchema = `输出格式：
{"facts": [{"subject": "主语实体", "predicate": "关系谓词", "object": "宾语实体", "fact": "完整事实陈述", "valid_at": "YYYY-MM-DD，可选"}]}`

func entityExtractionPrompt(body string) []llm.ChatMessage {
	return []llm.ChatMessage{
		{Role: "system", Content: `你是一个知识图谱构建助手。从给定文本中提取出现的实体（人物、地点、物品、组织、概念）。
规则：
1. 只提取文本中明确出现的实体，不要推测
2. "用户"本人始终作为名为"用户"的实体
3. 每个实体附一句话描述
4. 没有实体时返回 {"extracted_entities": []}`},
		{Role: "user", Content: body},
	}
}

func factExtractionPrompt(body string, entityNames []string, anchor time.Time) []llm.ChatMessage {
	return []llm.ChatMessage{
		{Role: "system", Content: fmt.Sprintf(`你是一个知识图谱构建助手。从文本中提取已识别实体之间的关系事实。
当前日期：%s

规则：
1. subject 和 object 必须来自实体列表
2. predicate 用大写英文谓词（如 LIKES、WORKS_AT、LIVES_IN、HAS_FRIEND）
3. fact 是完整的第三人称事实陈述
4. 文本中的相对时间（"昨天"、"下周五"）换算成绝对日期填入 valid_at
5. 没有事实时返回 {"facts": []}

实体列表：%s`, anchor.Format("2006-01-02"), strings.Join(entityNames, "、"))},
		{Role: "user", Content: body},
	}
}

// AddResult reports one ingestion.
type AddResult struct {
	EpisodeUID  string   `json:"episode_uid"`
	EpisodeName string   `json:"episode_name"`
	Entities    []string `json:"entities"`
	Facts       []string `json:"facts"`
	Invalidated int      `json:"invalidated"`
}

// AddEpisode ingests one unit of experience: persists the episode,
// extracts and resolves entities, turns extracted facts into
// bi-temporal edges with contradiction handling, and links the episode
// to everything it mentions.
func (e *Engine) AddEpisode(ctx context.Context, userID, body string, source graph.EpisodeSource, referenceTime time.Time) (*AddResult, error) {
	h, err := e.handle(ctx, userID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if referenceTime.IsZero() {
		referenceTime = e.now()
	}

	name := episodeName(source, e.now())
	episodeUID, err := e.graph.CreateEpisode(ctx, graph.Episode{
		Name:      name,
		Content:   body,
		Source:    source,
		Namespace: h.namespace,
		ValidAt:   referenceTime,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("persist episode: %w", err)
	}

	result := &AddResult{EpisodeUID: episodeUID, EpisodeName: name}

	entities, err := e.extractEntities(ctx, body)
	if err != nil {
		e.logger.Warn("entity extraction failed, episode stored bare",
			zap.String("user", userID), zap.Error(err))
		return result, nil
	}
	if len(entities) == 0 {
		return result, nil
	}

	resolved, err := e.resolveEntities(ctx, h.namespace, entities)
	if err != nil {
		return result, fmt.Errorf("resolve entities: %w", err)
	}
	for name := range resolved {
		result.Entities = append(result.Entities, name)
	}

	facts, err := e.extractFacts(ctx, body, entityNames(entities), referenceTime)
	if err != nil {
		e.logger.Warn("fact extraction failed", zap.String("user", userID), zap.Error(err))
		facts = nil
	}

	for _, f := range facts {
		subjUID, okS := resolved[f.Subject]
		objUID, okO := resolved[f.Object]
		if !okS || !okO || f.Fact == "" {
			continue
		}

		invalidated, err := e.addFactEdge(ctx, h.namespace, f, subjUID, objUID, episodeUID, referenceTime)
		if err != nil {
			e.logger.Warn("fact edge write failed",
				zap.String("fact", f.Fact), zap.Error(err))
			continue
		}
		result.Facts = append(result.Facts, f.Fact)
		result.Invalidated += invalidated
	}

	mentionUIDs := make([]string, 0, len(resolved))
	for _, uid := range resolved {
		mentionUIDs = append(mentionUIDs, uid)
	}
	if err := e.graph.AddMentions(ctx, episodeUID, mentionUIDs); err != nil {
		e.logger.Warn("mention linking failed", zap.String("episode", episodeUID), zap.Error(err))
	}

	e.logger.Info("episode ingested",
		zap.String("user", userID),
		zap.String("episode", name),
		zap.Int("entities", len(result.Entities)),
		zap.Int("facts", len(result.Facts)),
		zap.Int("invalidated", result.Invalidated))

	return result, nil
}

func episodeName(source graph.EpisodeSource, t time.Time) string {
	if source == graph.SourceAPI {
		return fmt.Sprintf("api_add_%d", t.Unix())
	}
	return fmt.Sprintf("chat_%d", t.Unix())
}

func entityNames(entities []extractedEntity) []string {
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		names = append(names, e.Name)
	}
	return names
}

func (e *Engine) extractEntities(ctx context.Context, body string) ([]extractedEntity, error) {
	raw, err := e.gw.JSON(ctx, entityExtractionPrompt(body), entityExtractionSchema, llm.ChatOptions{Temperature: llm.Temp(0.1)})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Entities []extractedEntity `json:"extracted_entities"`
	}
	if err := jsonx.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal entities: %w", err)
	}

	out := parsed.Entities[:0]
	for _, ent := range parsed.Entities {
		if strings.TrimSpace(ent.Name) != "" {
			out = append(out, ent)
		}
	}
	return out, nil
}

func (e *Engine) extractFacts(ctx context.Context, body string, names []string, anchor time.Time) ([]extractedFact, error) {
	raw, err := e.gw.JSON(ctx, factExtractionPrompt(body, names, anchor), factExtractionSchema, llm.ChatOptions{Temperature: llm.Temp(0.1)})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Facts []extractedFact `json:"facts"`
	}
	if err := jsonx.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal facts: %w", err)
	}

	for i := range parsed.Facts {
		parsed.Facts[i].Predicate = NormalizePredicate(parsed.Facts[i].Predicate)
	}
	return parsed.Facts, nil
}

// resolveEntities maps each extracted entity to a graph uid, snapping
// to an existing entity on exact name match or embedding similarity
// above the threshold, creating it otherwise.
func (e *Engine) resolveEntities(ctx context.Context, namespace string, entities []extractedEntity) (map[string]string, error) {
	existing, err := e.graph.Entities(ctx, namespace)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*graph.Entity, len(existing))
	for i := range existing {
		byName[existing[i].Name] = &existing[i]
	}

	resolved := make(map[string]string, len(entities))
	for _, ent := range entities {
		if match, ok := byName[ent.Name]; ok {
			resolved[ent.Name] = match.UID
			continue
		}

		vec, err := e.embed(ctx, ent.Name)
		if err != nil {
			return nil, fmt.Errorf("embed entity %q: %w", ent.Name, err)
		}

		if match := closestEntity(existing, vec, e.cfg.ResolveThreshold); match != nil {
			resolved[ent.Name] = match.UID
			continue
		}

		uid, err := e.graph.CreateEntity(ctx, graph.Entity{
			Name:      ent.Name,
			Summary:   ent.Summary,
			Namespace: namespace,
			Embedding: vec,
		})
		if err != nil {
			return nil, fmt.Errorf("create entity %q: %w", ent.Name, err)
		}
		resolved[ent.Name] = uid
		existing = append(existing, graph.Entity{UID: uid, Name: ent.Name, Embedding: vec})
		byName[ent.Name] = &existing[len(existing)-1]
	}
	return resolved, nil
}

func closestEntity(entities []graph.Entity, vec []float32, threshold float64) *graph.Entity {
	var best *graph.Entity
	bestSim := threshold
	for i := range entities {
		if len(entities[i].Embedding) == 0 {
			continue
		}
		if sim := vectorindex.CosineSimilarity(vec, entities[i].Embedding); sim >= bestSim {
			best = &entities[i]
			bestSim = sim
		}
	}
	return best
}

// addFactEdge writes one candidate edge, invalidating the newest
// current edge of the same (subject, predicate) family when the new
// fact contradicts it. Returns the number of invalidated edges.
func (e *Engine) addFactEdge(ctx context.Context, namespace string, f extractedFact,
	subjUID, objUID, episodeUID string, referenceTime time.Time) (int, error) {

	validAt := ParseValidAt(f.ValidAt, referenceTime)

	invalidated := 0
	current, err := e.graph.CurrentEdge(ctx, namespace, subjUID, f.Predicate)
	if err != nil {
		return 0, err
	}
	if current != nil && Contradicts(current, objUID) {
		if err := e.graph.InvalidateEdge(ctx, current.UID, validAt); err != nil {
			return 0, fmt.Errorf("invalidate edge: %w", err)
		}
		invalidated++
	}

	edgeUUID := uuid.New().String()
	vec, err := e.embed(ctx, f.Fact)
	if err != nil {
		return invalidated, fmt.Errorf("embed fact: %w", err)
	}

	if _, err := e.graph.CreateFactEdge(ctx, graph.FactEdge{
		UUID:      edgeUUID,
		Fact:      f.Fact,
		Predicate: f.Predicate,
		Namespace: namespace,
		ValidAt:   validAt,
		CreatedAt: e.now(),
		Embedding: vec,
	}, subjUID, objUID, episodeUID); err != nil {
		return invalidated, err
	}

	e.vectors.Add(namespace, edgeUUID, vec)
	if err := e.facts.Index(ctx, textindex.FactDoc{
		UUID:      edgeUUID,
		Fact:      f.Fact,
		Predicate: f.Predicate,
		Namespace: namespace,
	}); err != nil {
		e.logger.Warn("fact keyword indexing failed", zap.String("uuid", edgeUUID), zap.Error(err))
	}
	return invalidated, nil
}

// Contradicts reports whether a new assertion with the given object
// displaces the existing current edge. Same object means restatement,
// not contradiction.
func Contradicts(current *graph.FactEdge, newObjectUID string) bool {
	return current.Object == nil || current.Object.UID != newObjectUID
}

// ParseValidAt interprets the model's date cue, falling back to the
// reference time when absent or unparseable.
func ParseValidAt(raw string, fallback time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, raw, fallback.Location()); err == nil {
			return t
		}
	}
	return fallback
}

// NormalizePredicate canonicalizes a model-produced predicate into
// UPPER_SNAKE form.
func NormalizePredicate(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, " ", "_")
	p = strings.ReplaceAll(p, "-", "_")
	return strings.ToUpper(p)
}
