// Package mongo hosts the MongoDB-backed run store. Terminal writes use a
// monotone update filter so a row never leaves a terminal state, which makes
// repeated writes with identical arguments idempotent.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/kilnworks/kiln/store"
)

const (
	defaultRunsCollection       = "agent_runs"
	defaultExecutionsCollection = "workflow_executions"
	defaultOpTimeout            = 5 * time.Second
)

// Options configures the Mongo run store.
type Options struct {
	// Client is the connected Mongo client. Required.
	Client *mongodriver.Client
	// Database is the database name. Required.
	Database string
	// RunsCollection overrides the agent runs collection name.
	RunsCollection string
	// ExecutionsCollection overrides the workflow executions collection name.
	ExecutionsCollection string
	// Timeout bounds individual store operations.
	Timeout time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	runs    collection
	execs   collection
	timeout time.Duration
}

// New returns a store.Store backed by MongoDB.
func New(opts Options) (store.Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	runsName := opts.RunsCollection
	if runsName == "" {
		runsName = defaultRunsCollection
	}
	execsName := opts.ExecutionsCollection
	if execsName == "" {
		execsName = defaultExecutionsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	runs := mongoCollection{coll: db.Collection(runsName)}
	execs := mongoCollection{coll: db.Collection(execsName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, runs, "run_id"); err != nil {
		return nil, fmt.Errorf("ensure runs indexes: %w", err)
	}
	if err := ensureIndexes(ctx, execs, "execution_id"); err != nil {
		return nil, fmt.Errorf("ensure executions indexes: %w", err)
	}
	return newClientWithCollections(opts.Client, runs, execs, timeout)
}

// Ping verifies connectivity to the primary.
func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// terminalStatuses are the frozen end states; rows in these states are only
// matched by writes carrying the same status.
var terminalStatuses = []store.Status{store.StatusCompleted, store.StatusFailed, store.StatusStopped}

func (c *client) MarkRunRunning(ctx context.Context, runID string, startedAt time.Time) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": runID, "status": bson.M{"$nin": terminalStatuses}}
	update := bson.M{"$set": bson.M{
		"status":     store.StatusRunning,
		"started_at": startedAt.UTC(),
	}}
	res, err := c.runs.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	return ensureMatched(ctx, c.runs, "run_id", runID, res)
}

func (c *client) WriteRunTerminal(ctx context.Context, runID string, status store.Status, errMsg string, responses []json.RawMessage, completedAt time.Time) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	docs, err := responsesToBSON(responses)
	if err != nil {
		return fmt.Errorf("encode responses: %w", err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	// Match non-terminal rows, or terminal rows already carrying this status
	// (repeat delivery of an identical terminal write).
	filter := bson.M{"run_id": runID, "$or": []bson.M{
		{"status": bson.M{"$nin": terminalStatuses}},
		{"status": status},
	}}
	set := bson.M{
		"status":       status,
		"completed_at": completedAt.UTC(),
		"responses":    docs,
	}
	if errMsg != "" {
		set["error"] = errMsg
	}
	res, err := c.runs.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return err
	}
	return ensureMatched(ctx, c.runs, "run_id", runID, res)
}

func (c *client) LoadRun(ctx context.Context, runID string) (store.AgentRun, error) {
	if runID == "" {
		return store.AgentRun{}, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := c.runs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.AgentRun{}, store.ErrNotFound
		}
		return store.AgentRun{}, err
	}
	return doc.toRun()
}

func (c *client) MarkExecutionRunning(ctx context.Context, executionID string, startedAt time.Time) error {
	if executionID == "" {
		return errors.New("execution id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"execution_id": executionID, "status": bson.M{"$nin": terminalStatuses}}
	update := bson.M{"$set": bson.M{
		"status":     store.StatusRunning,
		"started_at": startedAt.UTC(),
	}}
	res, err := c.execs.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	return ensureMatched(ctx, c.execs, "execution_id", executionID, res)
}

func (c *client) WriteExecutionTerminal(ctx context.Context, executionID string, status store.Status, errMsg string, completedAt time.Time) error {
	if executionID == "" {
		return errors.New("execution id is required")
	}
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"execution_id": executionID, "$or": []bson.M{
		{"status": bson.M{"$nin": terminalStatuses}},
		{"status": status},
	}}
	set := bson.M{
		"status":       status,
		"completed_at": completedAt.UTC(),
	}
	if errMsg != "" {
		set["error"] = errMsg
	}
	res, err := c.execs.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return err
	}
	return ensureMatched(ctx, c.execs, "execution_id", executionID, res)
}

// ensureMatched distinguishes an update that matched nothing because the row
// is missing (store.ErrNotFound) from one blocked by the monotone status
// guard, which is a no-op.
func ensureMatched(ctx context.Context, coll collection, key, id string, res *mongodriver.UpdateResult) error {
	if res != nil && res.MatchedCount > 0 {
		return nil
	}
	var doc bson.M
	if err := coll.FindOne(ctx, bson.M{key: id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.ErrNotFound
		}
		return err
	}
	return nil
}

func (c *client) LoadExecution(ctx context.Context, executionID string) (store.WorkflowExecution, error) {
	if executionID == "" {
		return store.WorkflowExecution{}, errors.New("execution id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc executionDocument
	if err := c.execs.FindOne(ctx, bson.M{"execution_id": executionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.WorkflowExecution{}, store.ErrNotFound
		}
		return store.WorkflowExecution{}, err
	}
	return doc.toExecution(), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type runDocument struct {
	RunID                string       `bson:"run_id"`
	ThreadID             string       `bson:"thread_id,omitempty"`
	ProjectID            string       `bson:"project_id,omitempty"`
	Status               store.Status `bson:"status"`
	ModelName            string       `bson:"model_name,omitempty"`
	EnableThinking       bool         `bson:"enable_thinking,omitempty"`
	ReasoningEffort      string       `bson:"reasoning_effort,omitempty"`
	Stream               bool         `bson:"stream,omitempty"`
	EnableContextManager bool         `bson:"enable_context_manager,omitempty"`
	AgentConfig          any          `bson:"agent_config,omitempty"`
	CreatedAt            time.Time    `bson:"created_at,omitempty"`
	StartedAt            *time.Time   `bson:"started_at,omitempty"`
	CompletedAt          *time.Time   `bson:"completed_at,omitempty"`
	Error                string       `bson:"error,omitempty"`
	Responses            []any        `bson:"responses,omitempty"`
}

type executionDocument struct {
	ExecutionID  string       `bson:"execution_id"`
	WorkflowID   string       `bson:"workflow_id"`
	WorkflowName string       `bson:"workflow_name,omitempty"`
	ThreadID     string       `bson:"thread_id,omitempty"`
	ProjectID    string       `bson:"project_id,omitempty"`
	AgentRunID   string       `bson:"agent_run_id,omitempty"`
	TriggeredBy  string       `bson:"triggered_by,omitempty"`
	Status       store.Status `bson:"status"`
	StartedAt    *time.Time   `bson:"started_at,omitempty"`
	CompletedAt  *time.Time   `bson:"completed_at,omitempty"`
	Error        string       `bson:"error,omitempty"`
}

func (doc runDocument) toRun() (store.AgentRun, error) {
	responses, err := responsesFromBSON(doc.Responses)
	if err != nil {
		return store.AgentRun{}, fmt.Errorf("decode responses: %w", err)
	}
	var cfg json.RawMessage
	if doc.AgentConfig != nil {
		raw, err := json.Marshal(doc.AgentConfig)
		if err != nil {
			return store.AgentRun{}, fmt.Errorf("decode agent config: %w", err)
		}
		cfg = raw
	}
	return store.AgentRun{
		ID:                   doc.RunID,
		ThreadID:             doc.ThreadID,
		ProjectID:            doc.ProjectID,
		Status:               doc.Status,
		ModelName:            doc.ModelName,
		EnableThinking:       doc.EnableThinking,
		ReasoningEffort:      doc.ReasoningEffort,
		Stream:               doc.Stream,
		EnableContextManager: doc.EnableContextManager,
		AgentConfig:          cfg,
		CreatedAt:            doc.CreatedAt,
		StartedAt:            doc.StartedAt,
		CompletedAt:          doc.CompletedAt,
		Error:                doc.Error,
		Responses:            responses,
	}, nil
}

func (doc executionDocument) toExecution() store.WorkflowExecution {
	return store.WorkflowExecution{
		ID:           doc.ExecutionID,
		WorkflowID:   doc.WorkflowID,
		WorkflowName: doc.WorkflowName,
		ThreadID:     doc.ThreadID,
		ProjectID:    doc.ProjectID,
		AgentRunID:   doc.AgentRunID,
		TriggeredBy:  doc.TriggeredBy,
		Status:       doc.Status,
		StartedAt:    doc.StartedAt,
		CompletedAt:  doc.CompletedAt,
		Error:        doc.Error,
	}
}

// responsesToBSON decodes each raw JSON event into a native document so the
// event log is stored as a queryable array rather than opaque strings.
func responsesToBSON(responses []json.RawMessage) ([]any, error) {
	if len(responses) == 0 {
		return nil, nil
	}
	docs := make([]any, 0, len(responses))
	for i, raw := range responses {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		docs = append(docs, v)
	}
	return docs, nil
}

func responsesFromBSON(docs []any) ([]json.RawMessage, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	responses := make([]json.RawMessage, 0, len(docs))
	for i, doc := range docs {
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		responses = append(responses, json.RawMessage(raw))
	}
	return responses, nil
}

func ensureIndexes(ctx context.Context, coll collection, key string) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: key, Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollections(mongoClient *mongodriver.Client, runs, execs collection, timeout time.Duration) (*client, error) {
	if runs == nil || execs == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		runs:    runs,
		execs:   execs,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
