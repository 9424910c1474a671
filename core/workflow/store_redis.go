package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultWorkflowRedisURL = "redis://localhost:6379"
	timelineMaxEntries      = 1000

	transitionOK       = "ok"
	transitionMissing  = "missing"
	transitionConflict = "conflict"
)

// RedisStore persists workflows and steps in Redis. Each record is a hash:
// the JSON written at creation sits untouched in a body field and the fields
// the engine mutates (status, updated_at, external_ref and so on) live
// alongside it. Status transitions run as Lua scripts so compare-and-set
// stays atomic under concurrent workers; the scripts only HGET/HSET those
// scalar fields, so business payloads never pass through the Lua JSON codec
// (whose defaults flatten empty arrays into objects and truncate numbers to
// 14 digits).
type RedisStore struct {
	client *redis.Client
}

// Hash fields of workflow and step records. Reads overlay these over the
// creation-time body JSON.
const (
	fieldBody           = "body"
	fieldStatus         = "status"
	fieldUpdatedAt      = "updated_at"
	fieldAbortRequested = "abort_requested"
	fieldExternalRef    = "external_ref"
	fieldReason         = "reason"
	fieldNextRetryAt    = "next_retry_at"
	fieldResponseData   = "response_data"
)

// NewRedisStore connects to Redis at the given URL.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultWorkflowRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// CreateWorkflow persists a new workflow.
func (s *RedisStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	if wf == nil || wf.ID == "" {
		return Validationf("id", "workflow id required")
	}
	if wf.Kind == "" {
		return Validationf("kind", "workflow kind required")
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if wf.Status == "" {
		wf.Status = StatusQueued
	}
	payload, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	ok, err := s.client.HSetNX(ctx, workflowKey(wf.ID), fieldBody, payload).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("workflow %s: %w", wf.ID, ErrConflict)
	}
	return s.client.HSet(ctx, workflowKey(wf.ID),
		fieldStatus, string(wf.Status),
		fieldUpdatedAt, wf.UpdatedAt.Format(time.RFC3339Nano),
	).Err()
}

// GetWorkflow returns a workflow by ID.
func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	if id == "" {
		return nil, Validationf("id", "workflow id required")
	}
	fields, err := s.client.HGetAll(ctx, workflowKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return decodeWorkflowHash(id, fields)
}

// TransitionWorkflow moves a workflow between statuses with compare-and-set.
func (s *RedisStore) TransitionWorkflow(ctx context.Context, id string, from, to Status) error {
	if id == "" {
		return Validationf("id", "workflow id required")
	}
	now := time.Now().UTC()
	res, err := s.client.Eval(ctx, workflowTransitionScript, []string{workflowKey(id)},
		string(from),
		string(to),
		now.Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return err
	}
	return interpretTransition(res, "workflow "+id)
}

// RequestAbort flags an active workflow for abort.
func (s *RedisStore) RequestAbort(ctx context.Context, id string) error {
	if id == "" {
		return Validationf("id", "workflow id required")
	}
	now := time.Now().UTC()
	res, err := s.client.Eval(ctx, requestAbortScript, []string{workflowKey(id)},
		now.Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return err
	}
	return interpretTransition(res, "workflow "+id)
}

// CreateStep persists a step record. The unique hash is claimed with SETNX
// first; a lost claim returns the existing record with ErrDuplicateStep.
func (s *RedisStore) CreateStep(ctx context.Context, step *WorkflowStep) (*WorkflowStep, error) {
	if step == nil || step.ID == "" || step.WorkflowID == "" {
		return nil, Validationf("step", "step and workflow ids required")
	}
	if step.Kind == "" {
		return nil, Validationf("kind", "step kind required")
	}
	if step.UniqueHash == "" {
		step.UniqueHash = UniqueHash(step.WorkflowID, step.Kind, step.Attempt)
	}
	claimed, err := s.client.SetNX(ctx, stepHashKey(step.UniqueHash), step.ID, 0).Result()
	if err != nil {
		return nil, err
	}
	if !claimed {
		existingID, err := s.client.Get(ctx, stepHashKey(step.UniqueHash)).Result()
		if err != nil {
			return nil, err
		}
		existing, err := s.GetStep(ctx, existingID)
		if err != nil {
			return nil, err
		}
		return existing, ErrDuplicateStep
	}

	now := time.Now().UTC()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
	step.UpdatedAt = now
	if step.Status == "" {
		step.Status = StepStatusQueued
	}
	seq, err := s.client.Incr(ctx, stepSeqKey(step.WorkflowID)).Result()
	if err != nil {
		return nil, err
	}
	step.Seq = seq

	payload, err := json.Marshal(step)
	if err != nil {
		return nil, fmt.Errorf("marshal step: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, stepKey(step.ID),
		fieldBody, payload,
		fieldStatus, string(step.Status),
		fieldUpdatedAt, step.UpdatedAt.Format(time.RFC3339Nano),
	)
	pipe.ZAdd(ctx, workflowStepsKey(step.WorkflowID), redis.Z{Score: float64(seq), Member: step.ID})
	switch step.Status {
	case StepStatusPending:
		pipe.ZAdd(ctx, pendingIndexKey(), redis.Z{Score: float64(now.Unix()), Member: step.ID})
	case StepStatusRetrying:
		pipe.ZAdd(ctx, retryingIndexKey(), redis.Z{Score: retryScore(step.NextRetryAt, now), Member: step.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return step, nil
}

// GetStep fetches a step by ID.
func (s *RedisStore) GetStep(ctx context.Context, stepID string) (*WorkflowStep, error) {
	if stepID == "" {
		return nil, Validationf("id", "step id required")
	}
	fields, err := s.client.HGetAll(ctx, stepKey(stepID)).Result()
	if err != nil {
		return nil, err
	}
	return decodeStepHash(stepID, fields)
}

// CurrentStep returns the newest unsettled step of a workflow.
func (s *RedisStore) CurrentStep(ctx context.Context, workflowID string) (*WorkflowStep, error) {
	steps, err := s.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		// A pending record is terminal but still gates the workflow until a
		// check step resolves it.
		if s.Status == StepStatusPending || !s.Status.Terminal() {
			return s, nil
		}
	}
	return nil, ErrNoRunnableStep
}

// ListSteps returns all steps of a workflow in creation order.
func (s *RedisStore) ListSteps(ctx context.Context, workflowID string) ([]*WorkflowStep, error) {
	if workflowID == "" {
		return nil, Validationf("id", "workflow id required")
	}
	ids, err := s.client.ZRange(ctx, workflowStepsKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*WorkflowStep{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.HGetAll(ctx, stepKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]*WorkflowStep, 0, len(ids))
	for _, id := range ids {
		cmd := cmds[id]
		if cmd == nil {
			continue
		}
		fields, err := cmd.Result()
		if err != nil {
			continue
		}
		step, err := decodeStepHash(id, fields)
		if err != nil {
			continue
		}
		out = append(out, step)
	}
	return out, nil
}

// TransitionStep applies a compare-and-set status transition plus update.
// Update fields travel as flat field/value pairs the script HSETs verbatim.
func (s *RedisStore) TransitionStep(ctx context.Context, stepID string, from, to StepStatus, upd StepUpdate) error {
	if stepID == "" {
		return Validationf("id", "step id required")
	}
	now := time.Now().UTC()
	args := []any{
		string(from),
		string(to),
		now.Format(time.RFC3339Nano),
		stepID,
		now.Unix(),
		int64(retryScore(upd.NextRetryAt, now)),
	}
	if upd.ResponseData != nil {
		data, err := json.Marshal(upd.ResponseData)
		if err != nil {
			return fmt.Errorf("marshal response data: %w", err)
		}
		args = append(args, fieldResponseData, string(data))
	}
	if upd.ExternalRef != "" {
		args = append(args, fieldExternalRef, upd.ExternalRef)
	}
	if upd.Reason != "" {
		args = append(args, fieldReason, upd.Reason)
	}
	if upd.NextRetryAt != nil {
		args = append(args, fieldNextRetryAt, upd.NextRetryAt.UTC().Format(time.RFC3339Nano))
	}
	res, err := s.client.Eval(ctx, stepTransitionScript,
		[]string{stepKey(stepID), pendingIndexKey(), retryingIndexKey()},
		args...,
	).Result()
	if err != nil {
		return err
	}
	return interpretTransition(res, "step "+stepID)
}

// ListPendingSteps returns steps pending since before cutoff, oldest first.
func (s *RedisStore) ListPendingSteps(ctx context.Context, cutoff time.Time, limit int64) ([]*WorkflowStep, error) {
	return s.listIndexed(ctx, pendingIndexKey(), cutoff, limit)
}

// ListRetryingSteps returns retrying steps due before the given time.
func (s *RedisStore) ListRetryingSteps(ctx context.Context, due time.Time, limit int64) ([]*WorkflowStep, error) {
	return s.listIndexed(ctx, retryingIndexKey(), due, limit)
}

func (s *RedisStore) listIndexed(ctx context.Context, index string, cutoff time.Time, limit int64) ([]*WorkflowStep, error) {
	if limit <= 0 {
		limit = 200
	}
	ids, err := s.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", cutoff.Unix()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*WorkflowStep, 0, len(ids))
	for _, id := range ids {
		step, err := s.GetStep(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, step)
	}
	return out, nil
}

// MarkPendingResolved removes a step from the pending scan set.
func (s *RedisStore) MarkPendingResolved(ctx context.Context, stepID string) error {
	if stepID == "" {
		return Validationf("id", "step id required")
	}
	return s.client.ZRem(ctx, pendingIndexKey(), stepID).Err()
}

// AppendTimelineEvent records a step transition in append-only order.
func (s *RedisStore) AppendTimelineEvent(ctx context.Context, workflowID string, event *TimelineEvent) error {
	if workflowID == "" {
		return Validationf("id", "workflow id required")
	}
	if event == nil {
		return Validationf("event", "event required")
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal timeline event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, timelineKey(workflowID), data)
	pipe.LTrim(ctx, timelineKey(workflowID), -timelineMaxEntries, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListTimelineEvents returns events for a workflow in chronological order.
func (s *RedisStore) ListTimelineEvents(ctx context.Context, workflowID string, limit int64) ([]TimelineEvent, error) {
	if workflowID == "" {
		return nil, Validationf("id", "workflow id required")
	}
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, timelineKey(workflowID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]TimelineEvent, 0, len(raw))
	for _, item := range raw {
		var evt TimelineEvent
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

// TryAcquireLock takes a TTL lease via SETNX.
func (s *RedisStore) TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, Validationf("key", "lock key required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return s.client.SetNX(ctx, lockKey(key), "1", ttl).Result()
}

// ReleaseLock drops a lease.
func (s *RedisStore) ReleaseLock(ctx context.Context, key string) error {
	if key == "" {
		return Validationf("key", "lock key required")
	}
	return s.client.Del(ctx, lockKey(key)).Err()
}

func decodeWorkflowHash(id string, fields map[string]string) (*Workflow, error) {
	body, ok := fields[fieldBody]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	var wf Workflow
	if err := json.Unmarshal([]byte(body), &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	if v, ok := fields[fieldStatus]; ok {
		wf.Status = Status(v)
	}
	if ts, ok := parseHashTime(fields, fieldUpdatedAt); ok {
		wf.UpdatedAt = ts
	}
	if v, ok := fields[fieldAbortRequested]; ok {
		wf.AbortRequested = v == "1"
	}
	return &wf, nil
}

func decodeStepHash(id string, fields map[string]string) (*WorkflowStep, error) {
	body, ok := fields[fieldBody]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	var step WorkflowStep
	if err := json.Unmarshal([]byte(body), &step); err != nil {
		return nil, fmt.Errorf("unmarshal step: %w", err)
	}
	if v, ok := fields[fieldStatus]; ok {
		step.Status = StepStatus(v)
	}
	if ts, ok := parseHashTime(fields, fieldUpdatedAt); ok {
		step.UpdatedAt = ts
	}
	if v, ok := fields[fieldExternalRef]; ok {
		step.ExternalRef = v
	}
	if v, ok := fields[fieldReason]; ok {
		step.Reason = v
	}
	if ts, ok := parseHashTime(fields, fieldNextRetryAt); ok {
		step.NextRetryAt = &ts
	}
	if v, ok := fields[fieldResponseData]; ok && v != "" {
		var data map[string]any
		if err := json.Unmarshal([]byte(v), &data); err != nil {
			return nil, fmt.Errorf("unmarshal step response data: %w", err)
		}
		step.ResponseData = data
	}
	return &step, nil
}

func parseHashTime(fields map[string]string, field string) (time.Time, bool) {
	v, ok := fields[field]
	if !ok || v == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func retryScore(at *time.Time, now time.Time) float64 {
	if at == nil {
		return float64(now.Unix())
	}
	return float64(at.Unix())
}

func interpretTransition(res any, subject string) error {
	str, _ := res.(string)
	switch str {
	case transitionOK:
		return nil
	case transitionMissing:
		return fmt.Errorf("%s: %w", subject, ErrNotFound)
	case transitionConflict:
		return fmt.Errorf("%s: %w", subject, ErrConflict)
	default:
		return fmt.Errorf("%s: unexpected transition result %q", subject, str)
	}
}

func workflowKey(id string) string {
	return "wf:inst:" + id
}

func stepKey(id string) string {
	return "wf:step:" + id
}

func stepHashKey(hash string) string {
	return "wf:step:hash:" + hash
}

func stepSeqKey(workflowID string) string {
	return "wf:seq:" + workflowID
}

func workflowStepsKey(workflowID string) string {
	return "wf:steps:" + workflowID
}

func pendingIndexKey() string {
	return "wf:steps:pending"
}

func retryingIndexKey() string {
	return "wf:steps:retrying"
}

func timelineKey(workflowID string) string {
	return "wf:timeline:" + workflowID
}

func lockKey(key string) string {
	return "wf:lock:" + key
}

// The transition scripts touch only the scalar hash fields the engine owns.
// The body field holds the creation-time JSON and is never rewritten here.

const workflowTransitionScript = `
local key = KEYS[1]
local from = ARGV[1]
local to = ARGV[2]
local now = ARGV[3]
if redis.call("EXISTS", key) == 0 then
  return "missing"
end
if redis.call("HGET", key, "status") ~= from then
  return "conflict"
end
redis.call("HSET", key, "status", to, "updated_at", now)
return "ok"
`

const requestAbortScript = `
local key = KEYS[1]
local now = ARGV[1]
if redis.call("EXISTS", key) == 0 then
  return "missing"
end
local status = redis.call("HGET", key, "status")
if status == "completed" or status == "failed" then
  return "conflict"
end
redis.call("HSET", key, "abort_requested", "1", "updated_at", now)
return "ok"
`

const stepTransitionScript = `
local key = KEYS[1]
local pendingIdx = KEYS[2]
local retryIdx = KEYS[3]
local from = ARGV[1]
local to = ARGV[2]
local now = ARGV[3]
local stepID = ARGV[4]
local nowUnix = tonumber(ARGV[5])
local retryAt = tonumber(ARGV[6])
if redis.call("EXISTS", key) == 0 then
  return "missing"
end
if redis.call("HGET", key, "status") ~= from then
  return "conflict"
end
redis.call("HSET", key, "status", to, "updated_at", now)
for i = 7, #ARGV, 2 do
  redis.call("HSET", key, ARGV[i], ARGV[i + 1])
end
if to == "pending" then
  redis.call("ZADD", pendingIdx, nowUnix, stepID)
end
if to == "retrying" then
  redis.call("ZADD", retryIdx, retryAt, stepID)
elseif from == "retrying" then
  redis.call("ZREM", retryIdx, stepID)
end
return "ok"
`
