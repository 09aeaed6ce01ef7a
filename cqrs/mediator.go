package cqrs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	coreErrors "github.com/c0deZ3R0/go-eventcore/errors"
	"github.com/c0deZ3R0/go-eventcore/event"
	"github.com/c0deZ3R0/go-eventcore/logging"
)

// Command asks the write side to change one aggregate.
type Command struct {
	CommandID   string         `json:"commandId"`
	CommandType string         `json:"commandType"`
	AggregateID string         `json:"aggregateId"`
	TenantID    string         `json:"tenantId"`
	Payload     map[string]any `json:"payload"`

	// ExpectedVersion, when non-nil, makes the command fail with a
	// conflict if the aggregate moved past that version.
	ExpectedVersion *int `json:"expectedVersion,omitempty"`
}

// Query asks the read side for data without changing state.
type Query struct {
	QueryID   string         `json:"queryId"`
	QueryType string         `json:"queryType"`
	TenantID  string         `json:"tenantId"`
	Params    map[string]any `json:"params"`
}

// Result classifies how a command ended.
type Result string

const (
	ResultSuccess         Result = "success"
	ResultValidationError Result = "validation_error"
	ResultBusinessError   Result = "business_error"
	ResultSystemError     Result = "system_error"
)

// CommandResponse reports the outcome of one command.
type CommandResponse struct {
	Result  Result         `json:"result"`
	Version int            `json:"version"`
	Events  []*event.Event `json:"events,omitempty"`
	Error   error          `json:"-"`
}

// QueryResponse carries query data and how long it took.
type QueryResponse struct {
	Data     any           `json:"data"`
	Duration time.Duration `json:"duration"`
	Error    error         `json:"-"`
}

// CommandHandler executes commands of the types it claims via CanHandle.
type CommandHandler interface {
	CanHandle(commandType string) bool
	Handle(ctx context.Context, cmd Command) (CommandResponse, error)
}

// QueryHandler answers queries of the types it claims via CanHandle.
type QueryHandler interface {
	CanHandle(queryType string) bool
	Handle(ctx context.Context, q Query) (any, error)
}

// MediatorMetrics is a snapshot of command and query activity.
type MediatorMetrics struct {
	Commands          int64         `json:"commands"`
	CommandFailures   int64         `json:"commandFailures"`
	Queries           int64         `json:"queries"`
	QueryFailures     int64         `json:"queryFailures"`
	AvgCommandLatency time.Duration `json:"avgCommandLatency"`
	AvgQueryLatency   time.Duration `json:"avgQueryLatency"`
}

// Mediator routes each command and query to exactly one capable
// handler.
type Mediator struct {
	logger *logging.Logger

	mu       sync.RWMutex
	commands []CommandHandler
	queries  []QueryHandler

	statsMu     sync.Mutex
	cmdCount    int64
	cmdFailures int64
	cmdNanos    int64
	qryCount    int64
	qryFailures int64
	qryNanos    int64
}

func NewMediator(logger *logging.Logger) *Mediator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Mediator{logger: logger.WithComponent(logging.Component("mediator"))}
}

// RegisterCommandHandler adds a handler to the command registry.
func (m *Mediator) RegisterCommandHandler(h CommandHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, h)
}

// RegisterQueryHandler adds a handler to the query registry.
func (m *Mediator) RegisterQueryHandler(h QueryHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, h)
}

// SendCommand validates the command, resolves exactly one capable
// handler and executes it. Zero capable handlers is a system error and
// more than one is a registration error; neither runs anything.
func (m *Mediator) SendCommand(ctx context.Context, cmd Command) CommandResponse {
	start := time.Now()
	resp := m.sendCommand(ctx, cmd)
	elapsed := time.Since(start)

	m.statsMu.Lock()
	m.cmdCount++
	m.cmdNanos += int64(elapsed)
	if resp.Result != ResultSuccess {
		m.cmdFailures++
	}
	m.statsMu.Unlock()

	if resp.Error != nil {
		m.logger.LogError(ctx, resp.Error, "command failed",
			slog.String("command_id", cmd.CommandID),
			slog.String("command_type", cmd.CommandType),
			slog.String("result", string(resp.Result)))
	} else {
		m.logger.DebugContext(ctx, "command handled",
			"command_type", cmd.CommandType,
			"duration", elapsed)
	}
	return resp
}

func (m *Mediator) sendCommand(ctx context.Context, cmd Command) CommandResponse {
	if err := validateCommand(cmd); err != nil {
		return CommandResponse{Result: ResultValidationError, Error: err}
	}

	h, err := m.resolveCommandHandler(cmd.CommandType)
	if err != nil {
		return CommandResponse{Result: ResultSystemError, Error: err}
	}

	resp, err := h.Handle(ctx, cmd)
	if err != nil {
		return CommandResponse{Result: classify(err), Error: err, Version: resp.Version}
	}
	if resp.Result == "" {
		resp.Result = ResultSuccess
	}
	return resp
}

func validateCommand(cmd Command) error {
	var missing string
	switch {
	case cmd.CommandID == "":
		missing = "command id"
	case cmd.CommandType == "":
		missing = "command type"
	case cmd.AggregateID == "":
		missing = "aggregate id"
	case cmd.TenantID == "":
		missing = "tenant id"
	default:
		return nil
	}
	return coreErrors.E(coreErrors.OpCommand, cqrsComponent,
		coreErrors.KindValidation, coreErrors.ErrCodeValidationFailure,
		fmt.Errorf("%s is required", missing))
}

func (m *Mediator) resolveCommandHandler(commandType string) (CommandHandler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found CommandHandler
	n := 0
	for _, h := range m.commands {
		if h.CanHandle(commandType) {
			found = h
			n++
		}
	}
	switch n {
	case 1:
		return found, nil
	case 0:
		return nil, coreErrors.E(coreErrors.OpCommand, cqrsComponent,
			coreErrors.KindSystem, coreErrors.ErrCodeNoHandler,
			fmt.Errorf("no handler for command type %q", commandType))
	default:
		return nil, coreErrors.E(coreErrors.OpCommand, cqrsComponent, coreErrors.KindSystem,
			fmt.Errorf("%d handlers claim command type %q, want exactly one", n, commandType))
	}
}

// classify maps an error's kind to a command result code. Conflicts are
// business outcomes: the caller raced and lost, the system is fine.
func classify(err error) Result {
	switch coreErrors.KindOf(err) {
	case coreErrors.KindValidation:
		return ResultValidationError
	case coreErrors.KindBusiness, coreErrors.KindConflict:
		return ResultBusinessError
	default:
		return ResultSystemError
	}
}

// SendQuery resolves exactly one capable handler and returns its data
// with the observed latency.
func (m *Mediator) SendQuery(ctx context.Context, q Query) QueryResponse {
	start := time.Now()

	data, err := m.sendQuery(ctx, q)
	elapsed := time.Since(start)

	m.statsMu.Lock()
	m.qryCount++
	m.qryNanos += int64(elapsed)
	if err != nil {
		m.qryFailures++
	}
	m.statsMu.Unlock()

	if err != nil {
		m.logger.LogError(ctx, err, "query failed",
			slog.String("query_id", q.QueryID),
			slog.String("query_type", q.QueryType))
	}
	return QueryResponse{Data: data, Duration: elapsed, Error: err}
}

func (m *Mediator) sendQuery(ctx context.Context, q Query) (any, error) {
	if q.QueryID == "" || q.QueryType == "" {
		return nil, coreErrors.E(coreErrors.OpQuery, cqrsComponent,
			coreErrors.KindValidation, coreErrors.ErrCodeValidationFailure,
			fmt.Errorf("query id and type are required"))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var found QueryHandler
	n := 0
	for _, h := range m.queries {
		if h.CanHandle(q.QueryType) {
			found = h
			n++
		}
	}
	switch n {
	case 1:
		return found.Handle(ctx, q)
	case 0:
		return nil, coreErrors.E(coreErrors.OpQuery, cqrsComponent,
			coreErrors.KindSystem, coreErrors.ErrCodeNoHandler,
			fmt.Errorf("no handler for query type %q", q.QueryType))
	default:
		return nil, coreErrors.E(coreErrors.OpQuery, cqrsComponent, coreErrors.KindSystem,
			fmt.Errorf("%d handlers claim query type %q, want exactly one", n, q.QueryType))
	}
}

// Metrics returns a snapshot of mediator activity.
func (m *Mediator) Metrics() MediatorMetrics {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	out := MediatorMetrics{
		Commands:        m.cmdCount,
		CommandFailures: m.cmdFailures,
		Queries:         m.qryCount,
		QueryFailures:   m.qryFailures,
	}
	if m.cmdCount > 0 {
		out.AvgCommandLatency = time.Duration(m.cmdNanos / m.cmdCount)
	}
	if m.qryCount > 0 {
		out.AvgQueryLatency = time.Duration(m.qryNanos / m.qryCount)
	}
	return out
}
