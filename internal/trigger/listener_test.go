package trigger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shibzuko/ciflow/internal/history"
	"github.com/shibzuko/ciflow/internal/pipeline"
	"github.com/shibzuko/ciflow/internal/trigger"
)

const (
	webhookSecretConstant = "s3cret"
	pushPayloadConstant   = `{"ref":"refs/heads/master","after":"abc123","repository":{"full_name":"example/platform"},"sender":{"login":"dev"},"commits":[{"added":["lms/a.py"],"modified":["cms/b.py","lms/a.py"]}]}`
	dispatchWaitTimeout   = 2 * time.Second
)

type recordingDispatcher struct {
	workflows  []pipeline.Workflow
	mutex      sync.Mutex
	dispatched []trigger.Event
	signal     chan struct{}
	block      chan struct{}
	failure    error
}

func newRecordingDispatcher(workflows ...pipeline.Workflow) *recordingDispatcher {
	return &recordingDispatcher{workflows: workflows, signal: make(chan struct{}, 16)}
}

func (dispatcher *recordingDispatcher) Match(event trigger.Event) []string {
	var names []string
	for _, workflow := range dispatcher.workflows {
		if trigger.Matches(workflow.Triggers, event) {
			names = append(names, workflow.Name)
		}
	}
	return names
}

func (dispatcher *recordingDispatcher) Dispatch(executionContext context.Context, event trigger.Event) error {
	if dispatcher.block != nil {
		select {
		case <-dispatcher.block:
		case <-executionContext.Done():
		}
	}
	dispatcher.mutex.Lock()
	dispatcher.dispatched = append(dispatcher.dispatched, event)
	dispatcher.mutex.Unlock()
	dispatcher.signal <- struct{}{}
	return dispatcher.failure
}

func (dispatcher *recordingDispatcher) events() []trigger.Event {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()
	return append([]trigger.Event(nil), dispatcher.dispatched...)
}

type staticCatalog struct {
	runs map[string]history.Run
	err  error
}

func (catalog staticCatalog) ListRuns(_ context.Context, limit int) ([]history.Run, error) {
	if catalog.err != nil {
		return nil, catalog.err
	}
	runs := make([]history.Run, 0, len(catalog.runs))
	for _, run := range catalog.runs {
		runs = append(runs, run)
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (catalog staticCatalog) GetRun(_ context.Context, runIdentifier string) (history.Run, error) {
	run, exists := catalog.runs[runIdentifier]
	if !exists {
		return history.Run{}, fmt.Errorf("%w: %s", history.ErrRunNotFound, runIdentifier)
	}
	return run, nil
}

func masterWorkflow() pipeline.Workflow {
	return pipeline.Workflow{
		Name: "Quality",
		Triggers: pipeline.Triggers{
			Push:        &pipeline.BranchFilter{Branches: []string{"master"}},
			PullRequest: &pipeline.BranchFilter{},
		},
	}
}

func postWebhook(testInstance *testing.T, server *httptest.Server, eventName string, body string, signature string) (*http.Response, map[string]any) {
	testInstance.Helper()
	request, requestError := http.NewRequest(http.MethodPost, server.URL+"/webhook", bytes.NewBufferString(body))
	require.NoError(testInstance, requestError)
	if eventName != "" {
		request.Header.Set("X-GitHub-Event", eventName)
	}
	if signature != "" {
		request.Header.Set("X-Hub-Signature-256", signature)
	}
	response, responseError := server.Client().Do(request)
	require.NoError(testInstance, responseError)
	defer response.Body.Close()
	decoded := map[string]any{}
	require.NoError(testInstance, json.NewDecoder(response.Body).Decode(&decoded))
	return response, decoded
}

func startListener(testInstance *testing.T, configuration trigger.ListenerConfig, dispatcher trigger.Dispatcher, catalog trigger.RunCatalog, logger *zap.Logger) *httptest.Server {
	testInstance.Helper()
	listener := trigger.NewListener(configuration, dispatcher, catalog, logger)
	server := httptest.NewServer(listener.Handler())
	workerContext, cancel := context.WithCancel(context.Background())
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		listener.RunWorkers(workerContext)
	}()
	testInstance.Cleanup(func() {
		server.Close()
		cancel()
		<-workersDone
	})
	return server
}

func TestWebhookSignatureVerification(testInstance *testing.T) {
	testCases := []struct {
		name           string
		signature      string
		expectedStatus int
	}{
		{name: "valid", signature: trigger.SignatureHeader(webhookSecretConstant, []byte(pushPayloadConstant)), expectedStatus: http.StatusAccepted},
		{name: "wrong_secret", signature: trigger.SignatureHeader("other", []byte(pushPayloadConstant)), expectedStatus: http.StatusUnauthorized},
		{name: "missing", expectedStatus: http.StatusUnauthorized},
		{name: "not_hex", signature: "sha256=zz", expectedStatus: http.StatusUnauthorized},
		{name: "wrong_prefix", signature: "sha1=abcd", expectedStatus: http.StatusUnauthorized},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			dispatcher := newRecordingDispatcher(masterWorkflow())
			server := startListener(testInstance, trigger.ListenerConfig{Secret: webhookSecretConstant}, dispatcher, nil, nil)

			response, _ := postWebhook(testInstance, server, pipeline.EventPush, pushPayloadConstant, testCase.signature)
			require.Equal(testInstance, testCase.expectedStatus, response.StatusCode)
		})
	}
}

func TestWebhookDispatchesMatchingPush(testInstance *testing.T) {
	dispatcher := newRecordingDispatcher(masterWorkflow())
	server := startListener(testInstance, trigger.ListenerConfig{Secret: webhookSecretConstant}, dispatcher, nil, nil)

	response, body := postWebhook(testInstance, server, pipeline.EventPush, pushPayloadConstant, trigger.SignatureHeader(webhookSecretConstant, []byte(pushPayloadConstant)))
	require.Equal(testInstance, http.StatusAccepted, response.StatusCode)
	require.Equal(testInstance, "queued", body["status"])
	require.Equal(testInstance, []any{"Quality"}, body["workflows"])

	select {
	case <-dispatcher.signal:
	case <-time.After(dispatchWaitTimeout):
		testInstance.Fatal("event was not dispatched")
	}
	events := dispatcher.events()
	require.Len(testInstance, events, 1)
	require.Equal(testInstance, "refs/heads/master", events[0].Ref)
	require.Equal(testInstance, "abc123", events[0].SHA)
	require.Equal(testInstance, "example/platform", events[0].Repository)
	require.Equal(testInstance, []string{"lms/a.py", "cms/b.py"}, events[0].ChangedFiles)
}

func TestWebhookIgnoresEvents(testInstance *testing.T) {
	testCases := []struct {
		name      string
		eventName string
		body      string
		reason    string
	}{
		{name: "other_branch", eventName: pipeline.EventPush, body: `{"ref":"refs/heads/feature"}`, reason: "no workflow matches the event"},
		{name: "branch_deleted", eventName: pipeline.EventPush, body: `{"ref":"refs/heads/master","deleted":true}`, reason: "event not supported"},
		{name: "closed_pull_request", eventName: pipeline.EventPullRequest, body: `{"action":"closed","pull_request":{"base":{"ref":"master"}}}`, reason: "pull request action does not trigger runs"},
		{name: "unknown_event", eventName: "issues", body: `{}`, reason: "event not supported"},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			dispatcher := newRecordingDispatcher(masterWorkflow())
			server := startListener(testInstance, trigger.ListenerConfig{}, dispatcher, nil, nil)

			response, body := postWebhook(testInstance, server, testCase.eventName, testCase.body, "")
			require.Equal(testInstance, http.StatusOK, response.StatusCode)
			require.Equal(testInstance, "ignored", body["status"])
			require.Equal(testInstance, testCase.reason, body["reason"])
			require.Empty(testInstance, dispatcher.events())
		})
	}
}

func TestWebhookRejectsMalformedRequests(testInstance *testing.T) {
	dispatcher := newRecordingDispatcher(masterWorkflow())
	server := startListener(testInstance, trigger.ListenerConfig{}, dispatcher, nil, nil)

	response, _ := postWebhook(testInstance, server, "", pushPayloadConstant, "")
	require.Equal(testInstance, http.StatusBadRequest, response.StatusCode)

	response, _ = postWebhook(testInstance, server, pipeline.EventPush, "{not json", "")
	require.Equal(testInstance, http.StatusBadRequest, response.StatusCode)

	response, body := postWebhook(testInstance, server, "ping", `{"zen":"keep it simple"}`, "")
	require.Equal(testInstance, http.StatusOK, response.StatusCode)
	require.Equal(testInstance, "pong", body["status"])
}

func TestWebhookQueueFull(testInstance *testing.T) {
	dispatcher := newRecordingDispatcher(masterWorkflow())
	dispatcher.block = make(chan struct{})
	defer close(dispatcher.block)
	server := startListener(testInstance, trigger.ListenerConfig{QueueSize: 1, Workers: 1}, dispatcher, nil, nil)

	statuses := make([]int, 0, 3)
	for attempt := 0; attempt < 3; attempt++ {
		response, _ := postWebhook(testInstance, server, pipeline.EventPush, pushPayloadConstant, "")
		statuses = append(statuses, response.StatusCode)
	}
	require.Contains(testInstance, statuses, http.StatusServiceUnavailable)
	require.Equal(testInstance, http.StatusAccepted, statuses[0])
}

func TestWebhookLogsDispatchFailure(testInstance *testing.T) {
	core, recorded := observer.New(zap.WarnLevel)
	dispatcher := newRecordingDispatcher(masterWorkflow())
	dispatcher.failure = errors.New("run failed")
	server := startListener(testInstance, trigger.ListenerConfig{}, dispatcher, nil, zap.New(core))

	pullRequest := `{"action":"opened","pull_request":{"head":{"ref":"topic","sha":"def"},"base":{"ref":"develop"}}}`
	response, _ := postWebhook(testInstance, server, pipeline.EventPullRequest, pullRequest, "")
	require.Equal(testInstance, http.StatusAccepted, response.StatusCode)

	select {
	case <-dispatcher.signal:
	case <-time.After(dispatchWaitTimeout):
		testInstance.Fatal("event was not dispatched")
	}
	require.Eventually(testInstance, func() bool {
		return recorded.FilterMessage("dispatch failed").Len() == 1
	}, dispatchWaitTimeout, 10*time.Millisecond)
	require.Equal(testInstance, "refs/heads/develop", dispatcher.events()[0].BaseRef)
}

func TestRunEndpoints(testInstance *testing.T) {
	catalog := staticCatalog{runs: map[string]history.Run{
		"run-1": {ID: "run-1", Workflow: "Quality", Status: "succeeded", Instances: []history.Instance{{JobID: "build", DisplayName: "build"}}},
	}}
	server := startListener(testInstance, trigger.ListenerConfig{}, newRecordingDispatcher(), catalog, nil)

	getJSON := func(path string) (int, map[string]any) {
		response, requestError := server.Client().Get(server.URL + path)
		require.NoError(testInstance, requestError)
		defer response.Body.Close()
		decoded := map[string]any{}
		require.NoError(testInstance, json.NewDecoder(response.Body).Decode(&decoded))
		return response.StatusCode, decoded
	}

	status, body := getJSON("/runs?limit=5")
	require.Equal(testInstance, http.StatusOK, status)
	require.Len(testInstance, body["runs"], 1)

	status, body = getJSON("/runs/run-1")
	require.Equal(testInstance, http.StatusOK, status)
	require.Equal(testInstance, "Quality", body["workflow"])

	status, _ = getJSON("/runs/missing")
	require.Equal(testInstance, http.StatusNotFound, status)

	status, _ = getJSON("/runs?limit=zero")
	require.Equal(testInstance, http.StatusBadRequest, status)

	status, body = getJSON("/healthz")
	require.Equal(testInstance, http.StatusOK, status)
	require.Equal(testInstance, "ok", body["status"])
}

func TestRunEndpointsWithoutHistory(testInstance *testing.T) {
	server := startListener(testInstance, trigger.ListenerConfig{}, newRecordingDispatcher(), nil, nil)
	response, requestError := server.Client().Get(server.URL + "/runs")
	require.NoError(testInstance, requestError)
	defer response.Body.Close()
	require.Equal(testInstance, http.StatusNotFound, response.StatusCode)
}

func TestParseWebhookPayloadDispatch(testInstance *testing.T) {
	event, supported, parseError := trigger.ParseWebhookPayload(pipeline.EventWorkflowDispatch, []byte(`{"ref":"refs/heads/main","sender":{"login":"ops"}}`))
	require.NoError(testInstance, parseError)
	require.True(testInstance, supported)
	require.Equal(testInstance, trigger.Event{Name: pipeline.EventWorkflowDispatch, Ref: "refs/heads/main", Actor: "ops"}, event)
}
