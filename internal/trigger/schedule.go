package trigger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/shibzuko/ciflow/internal/pipeline"
)

const (
	scheduleInvalidTemplate       = "workflow %q schedule %q: %w"
	scheduleRegisteredMessage     = "schedule registered"
	scheduleFiredMessage          = "schedule fired"
	scheduleDispatchFailedMessage = "scheduled dispatch failed"
	schedulerStartedMessage       = "cron scheduler started"
	schedulerStoppedMessage       = "cron scheduler stopped"
	logFieldSchedule              = "schedule"
	logFieldWorkflow              = "workflow"
	logFieldWorkflows             = "workflows"
	logFieldEntries               = "entries"
)

// Dispatcher starts the workflow runs an event triggers.
type Dispatcher interface {
	Match(event Event) []string
	Dispatch(executionContext context.Context, event Event) error
}

// CronScheduler fires schedule events for every cron expression the registered workflows declare.
type CronScheduler struct {
	cron       *cron.Cron
	dispatcher Dispatcher
	logger     *zap.Logger

	mutex      sync.Mutex
	entries    map[string]cron.EntryID
	runContext context.Context
}

// NewCronScheduler builds a scheduler dispatching through dispatcher.
func NewCronScheduler(dispatcher Dispatcher, logger *zap.Logger) *CronScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLog := cronLogger{logger: logger.Sugar()}
	return &CronScheduler{
		cron:       cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog))),
		dispatcher: dispatcher,
		logger:     logger,
		entries:    make(map[string]cron.EntryID),
		runContext: context.Background(),
	}
}

// Register adds the schedules of workflows. Expressions shared by several workflows are
// registered once; the dispatcher decides which workflows each firing starts.
func (scheduler *CronScheduler) Register(workflows []pipeline.Workflow) error {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()

	for _, workflow := range workflows {
		for _, expression := range workflow.Triggers.Schedules {
			normalized := normalizeCron(expression)
			if _, exists := scheduler.entries[normalized]; exists {
				continue
			}
			entryID, addError := scheduler.cron.AddFunc(normalized, func() {
				scheduler.fire(normalized)
			})
			if addError != nil {
				return fmt.Errorf(scheduleInvalidTemplate, workflow.Name, expression, addError)
			}
			scheduler.entries[normalized] = entryID
			scheduler.logger.Info(scheduleRegisteredMessage, zap.String(logFieldSchedule, normalized), zap.String(logFieldWorkflow, workflow.Name))
		}
	}
	return nil
}

// Schedules lists the registered cron expressions.
func (scheduler *CronScheduler) Schedules() []string {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()

	expressions := make([]string, 0, len(scheduler.entries))
	for expression := range scheduler.entries {
		expressions = append(expressions, expression)
	}
	sort.Strings(expressions)
	return expressions
}

// Start begins firing schedules. Runs started by a firing use executionContext.
func (scheduler *CronScheduler) Start(executionContext context.Context) {
	scheduler.mutex.Lock()
	scheduler.runContext = executionContext
	entryCount := len(scheduler.entries)
	scheduler.mutex.Unlock()

	scheduler.cron.Start()
	scheduler.logger.Info(schedulerStartedMessage, zap.Int(logFieldEntries, entryCount))
}

// Stop halts the scheduler and waits for running dispatches to return.
func (scheduler *CronScheduler) Stop() {
	stopped := scheduler.cron.Stop()
	<-stopped.Done()
	scheduler.logger.Info(schedulerStoppedMessage)
}

func (scheduler *CronScheduler) fire(expression string) {
	scheduler.mutex.Lock()
	executionContext := scheduler.runContext
	scheduler.mutex.Unlock()

	event := Event{Name: pipeline.EventSchedule, Schedule: expression}
	workflows := scheduler.dispatcher.Match(event)
	if len(workflows) == 0 {
		return
	}
	scheduler.logger.Info(scheduleFiredMessage, zap.String(logFieldSchedule, expression), zap.Strings(logFieldWorkflows, workflows))
	if dispatchError := scheduler.dispatcher.Dispatch(executionContext, event); dispatchError != nil {
		scheduler.logger.Warn(scheduleDispatchFailedMessage, zap.String(logFieldSchedule, expression), zap.Error(dispatchError))
	}
}

// cronLogger routes cron diagnostics to zap.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (adapter cronLogger) Info(message string, keysAndValues ...interface{}) {
	adapter.logger.Debugw(message, keysAndValues...)
}

func (adapter cronLogger) Error(err error, message string, keysAndValues ...interface{}) {
	adapter.logger.Errorw(message, append(keysAndValues, zap.Error(err))...)
}
