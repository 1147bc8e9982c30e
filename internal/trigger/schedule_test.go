package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shibzuko/ciflow/internal/pipeline"
)

type countingDispatcher struct {
	workflows []pipeline.Workflow
	mutex     sync.Mutex
	events    []Event
	contexts  []context.Context
	failure   error
}

func (dispatcher *countingDispatcher) Match(event Event) []string {
	var names []string
	for _, workflow := range dispatcher.workflows {
		if Matches(workflow.Triggers, event) {
			names = append(names, workflow.Name)
		}
	}
	return names
}

func (dispatcher *countingDispatcher) Dispatch(executionContext context.Context, event Event) error {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()
	dispatcher.events = append(dispatcher.events, event)
	dispatcher.contexts = append(dispatcher.contexts, executionContext)
	return dispatcher.failure
}

func scheduledWorkflows() []pipeline.Workflow {
	return []pipeline.Workflow{
		{Name: "nightly", Triggers: pipeline.Triggers{Schedules: []string{"0 3 * * *", "@weekly"}}},
		{Name: "audit", Triggers: pipeline.Triggers{Schedules: []string{"0  3 * * *"}}},
		{Name: "push-only", Triggers: pipeline.Triggers{Push: &pipeline.BranchFilter{}}},
	}
}

func TestCronSchedulerRegistersUniqueSchedules(testInstance *testing.T) {
	scheduler := NewCronScheduler(&countingDispatcher{}, nil)
	require.NoError(testInstance, scheduler.Register(scheduledWorkflows()))
	require.Equal(testInstance, []string{"0 3 * * *", "@weekly"}, scheduler.Schedules())
	require.Len(testInstance, scheduler.cron.Entries(), 2)
}

func TestCronSchedulerRejectsInvalidExpression(testInstance *testing.T) {
	scheduler := NewCronScheduler(&countingDispatcher{}, nil)
	registerError := scheduler.Register([]pipeline.Workflow{{Name: "broken", Triggers: pipeline.Triggers{Schedules: []string{"61 * * * *"}}}})
	require.Error(testInstance, registerError)
	require.Contains(testInstance, registerError.Error(), "broken")
	require.Empty(testInstance, scheduler.Schedules())
}

func TestCronSchedulerFireDispatchesScheduleEvent(testInstance *testing.T) {
	dispatcher := &countingDispatcher{workflows: scheduledWorkflows()}
	core, recorded := observer.New(zap.InfoLevel)
	scheduler := NewCronScheduler(dispatcher, zap.New(core))
	require.NoError(testInstance, scheduler.Register(dispatcher.workflows))

	type contextKey struct{}
	runContext := context.WithValue(context.Background(), contextKey{}, "serve")
	scheduler.Start(runContext)
	defer scheduler.Stop()

	scheduler.fire("0 3 * * *")
	require.Len(testInstance, dispatcher.events, 1)
	require.Equal(testInstance, Event{Name: pipeline.EventSchedule, Schedule: "0 3 * * *"}, dispatcher.events[0])
	require.Equal(testInstance, "serve", dispatcher.contexts[0].Value(contextKey{}))

	firings := recorded.FilterMessage(scheduleFiredMessage).All()
	require.Len(testInstance, firings, 1)
	require.Equal(testInstance, []interface{}{"nightly", "audit"}, firings[0].ContextMap()[logFieldWorkflows])
}

func TestCronSchedulerLogsDispatchFailure(testInstance *testing.T) {
	dispatcher := &countingDispatcher{workflows: scheduledWorkflows(), failure: errors.New("boom")}
	core, recorded := observer.New(zap.WarnLevel)
	scheduler := NewCronScheduler(dispatcher, zap.New(core))

	scheduler.fire("@weekly")
	require.Equal(testInstance, 1, recorded.FilterMessage(scheduleDispatchFailedMessage).Len())
}

func TestCronSchedulerSkipsUnmatchedFiring(testInstance *testing.T) {
	dispatcher := &countingDispatcher{workflows: []pipeline.Workflow{{Name: "manual", Triggers: pipeline.Triggers{WorkflowDispatch: true}}}}
	scheduler := NewCronScheduler(dispatcher, nil)

	scheduler.fire("0 3 * * *")
	require.Empty(testInstance, dispatcher.events)
}
