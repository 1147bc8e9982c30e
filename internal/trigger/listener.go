package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shibzuko/ciflow/internal/history"
	"github.com/shibzuko/ciflow/internal/pipeline"
)

const (
	eventHeaderConstant          = "X-GitHub-Event"
	deliveryHeaderConstant       = "X-GitHub-Delivery"
	signatureHeaderConstant      = "X-Hub-Signature-256"
	signaturePrefixConstant      = "sha256="
	pingEventConstant            = "ping"
	webhookRouteConstant         = "/webhook"
	runsRouteConstant            = "/runs"
	runRouteConstant             = "/runs/:id"
	healthRouteConstant          = "/healthz"
	runIdentifierParamConstant   = "id"
	limitQueryConstant           = "limit"
	defaultQueueSizeConstant     = 16
	defaultWorkerCountConstant   = 1
	defaultMaxPayloadBytes       = 5 << 20
	defaultReadHeaderTimeout     = 10 * time.Second
	defaultShutdownTimeout       = 10 * time.Second
	statusQueuedConstant         = "queued"
	statusIgnoredConstant        = "ignored"
	statusPongConstant           = "pong"
	statusHealthyConstant        = "ok"
	reasonUnsupportedConstant    = "event not supported"
	reasonNoMatchConstant        = "no workflow matches the event"
	reasonActionConstant         = "pull request action does not trigger runs"
	errorSignatureConstant       = "signature verification failed"
	errorEventMissingConstant    = "missing " + eventHeaderConstant + " header"
	errorPayloadConstant         = "payload is not valid JSON"
	errorPayloadTooLargeConstant = "payload is too large"
	errorQueueFullConstant       = "dispatch queue is full"
	errorHistoryDisabled         = "run history is not enabled"
	errorRunNotFound             = "run not found"
	errorLimitConstant           = "limit must be a positive integer"
	webhookReceivedMessage       = "webhook received"
	webhookRejectedMessage       = "webhook rejected"
	eventQueuedMessage           = "event queued"
	eventDroppedMessage          = "listener stopping, dropping queued event"
	dispatchFailedMessage        = "dispatch failed"
	historyQueryFailedMessage    = "history query failed"
	listenerStartedMessage       = "webhook listener started"
	listenerStoppedMessage       = "webhook listener stopped"
	signatureDisabledMessage     = "webhook secret is empty, signatures are not verified"
	httpRequestMessage           = "http request"
	logFieldMethod               = "method"
	logFieldPath                 = "path"
	logFieldStatus               = "status"
	logFieldDuration             = "duration"
	logFieldEvent                = "event"
	logFieldDelivery             = "delivery"
	logFieldRef                  = "ref"
	logFieldAddress              = "address"
	logFieldReason               = "reason"
)

// Pull request actions that start runs.
var pullRequestRunActions = map[string]struct{}{
	"opened":      {},
	"synchronize": {},
	"reopened":    {},
}

// RunCatalog serves recorded runs.
type RunCatalog interface {
	ListRuns(executionContext context.Context, limit int) ([]history.Run, error)
	GetRun(executionContext context.Context, runIdentifier string) (history.Run, error)
}

// ListenerConfig configures the webhook listener.
type ListenerConfig struct {
	Address         string
	Secret          string
	QueueSize       int
	Workers         int
	MaxPayloadBytes int64
}

// Listener receives webhook deliveries and dispatches matching events from a bounded queue.
type Listener struct {
	configuration ListenerConfig
	dispatcher    Dispatcher
	catalog       RunCatalog
	logger        *zap.Logger
	engine        *gin.Engine
	queue         chan Event
}

// NewListener builds a listener. catalog may be nil, which disables the run endpoints.
func NewListener(configuration ListenerConfig, dispatcher Dispatcher, catalog RunCatalog, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if configuration.QueueSize <= 0 {
		configuration.QueueSize = defaultQueueSizeConstant
	}
	if configuration.Workers <= 0 {
		configuration.Workers = defaultWorkerCountConstant
	}
	if configuration.MaxPayloadBytes <= 0 {
		configuration.MaxPayloadBytes = defaultMaxPayloadBytes
	}

	listener := &Listener{
		configuration: configuration,
		dispatcher:    dispatcher,
		catalog:       catalog,
		logger:        logger,
		queue:         make(chan Event, configuration.QueueSize),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), listener.requestLogger())
	engine.POST(webhookRouteConstant, listener.handleWebhook)
	engine.GET(runsRouteConstant, listener.handleListRuns)
	engine.GET(runRouteConstant, listener.handleGetRun)
	engine.GET(healthRouteConstant, listener.handleHealth)
	listener.engine = engine
	return listener
}

// Handler exposes the HTTP routes.
func (listener *Listener) Handler() http.Handler {
	return listener.engine
}

// Serve listens on the configured address and dispatches queued events until executionContext
// is cancelled, then shuts the server down.
func (listener *Listener) Serve(executionContext context.Context) error {
	if strings.TrimSpace(listener.configuration.Secret) == "" {
		listener.logger.Warn(signatureDisabledMessage)
	}
	server := &http.Server{
		Addr:              listener.configuration.Address,
		Handler:           listener.engine,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		listener.RunWorkers(executionContext)
	}()

	serveErrors := make(chan error, 1)
	go func() {
		serveErrors <- server.ListenAndServe()
	}()
	listener.logger.Info(listenerStartedMessage, zap.String(logFieldAddress, listener.configuration.Address))

	var serveError error
	select {
	case serveError = <-serveErrors:
	case <-executionContext.Done():
		shutdownContext, cancel := context.WithTimeout(context.WithoutCancel(executionContext), defaultShutdownTimeout)
		serveError = server.Shutdown(shutdownContext)
		cancel()
	}
	<-workersDone
	listener.logger.Info(listenerStoppedMessage)
	if errors.Is(serveError, http.ErrServerClosed) {
		return nil
	}
	return serveError
}

// RunWorkers dispatches queued events until executionContext is cancelled. Events still queued
// at that point are dropped.
func (listener *Listener) RunWorkers(executionContext context.Context) {
	var workers sync.WaitGroup
	for workerIndex := 0; workerIndex < listener.configuration.Workers; workerIndex++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for {
				select {
				case <-executionContext.Done():
					return
				case event := <-listener.queue:
					if executionContext.Err() != nil {
						listener.logger.Warn(eventDroppedMessage, zap.String(logFieldEvent, event.Name), zap.String(logFieldRef, event.Ref))
						return
					}
					if dispatchError := listener.dispatcher.Dispatch(executionContext, event); dispatchError != nil {
						listener.logger.Warn(dispatchFailedMessage, zap.String(logFieldEvent, event.Name), zap.Error(dispatchError))
					}
				}
			}
		}()
	}
	workers.Wait()
}

func (listener *Listener) handleHealth(requestContext *gin.Context) {
	requestContext.JSON(http.StatusOK, gin.H{"status": statusHealthyConstant, "queued": len(listener.queue)})
}

func (listener *Listener) handleWebhook(requestContext *gin.Context) {
	deliveryField := zap.String(logFieldDelivery, requestContext.GetHeader(deliveryHeaderConstant))
	body, readError := io.ReadAll(http.MaxBytesReader(requestContext.Writer, requestContext.Request.Body, listener.configuration.MaxPayloadBytes))
	if readError != nil {
		listener.reject(requestContext, http.StatusRequestEntityTooLarge, errorPayloadTooLargeConstant, deliveryField)
		return
	}
	if !listener.signatureValid(body, requestContext.GetHeader(signatureHeaderConstant)) {
		listener.reject(requestContext, http.StatusUnauthorized, errorSignatureConstant, deliveryField)
		return
	}

	eventName := strings.TrimSpace(requestContext.GetHeader(eventHeaderConstant))
	if eventName == "" {
		listener.reject(requestContext, http.StatusBadRequest, errorEventMissingConstant, deliveryField)
		return
	}
	listener.logger.Debug(webhookReceivedMessage, zap.String(logFieldEvent, eventName), deliveryField)
	if eventName == pingEventConstant {
		requestContext.JSON(http.StatusOK, gin.H{"status": statusPongConstant})
		return
	}

	event, supported, parseError := ParseWebhookPayload(eventName, body)
	if parseError != nil {
		listener.reject(requestContext, http.StatusBadRequest, errorPayloadConstant, deliveryField, zap.Error(parseError))
		return
	}
	if !supported {
		reason := reasonUnsupportedConstant
		if eventName == pipeline.EventPullRequest {
			reason = reasonActionConstant
		}
		requestContext.JSON(http.StatusOK, gin.H{"status": statusIgnoredConstant, "reason": reason})
		return
	}

	workflows := listener.dispatcher.Match(event)
	if len(workflows) == 0 {
		requestContext.JSON(http.StatusOK, gin.H{"status": statusIgnoredConstant, "reason": reasonNoMatchConstant})
		return
	}
	if !listener.enqueue(event) {
		listener.reject(requestContext, http.StatusServiceUnavailable, errorQueueFullConstant, deliveryField)
		return
	}
	listener.logger.Info(eventQueuedMessage, zap.String(logFieldEvent, event.Name), zap.String(logFieldRef, event.Ref), zap.Strings(logFieldWorkflows, workflows), deliveryField)
	requestContext.JSON(http.StatusAccepted, gin.H{"status": statusQueuedConstant, "workflows": workflows})
}

func (listener *Listener) enqueue(event Event) bool {
	select {
	case listener.queue <- event:
		return true
	default:
		return false
	}
}

func (listener *Listener) reject(requestContext *gin.Context, status int, message string, fields ...zap.Field) {
	listener.logger.Warn(webhookRejectedMessage, append(fields, zap.String(logFieldReason, message), zap.Int(logFieldStatus, status))...)
	requestContext.AbortWithStatusJSON(status, gin.H{"error": message})
}

// signatureValid compares the X-Hub-Signature-256 header with the HMAC-SHA256 of body. An empty
// secret disables verification.
func (listener *Listener) signatureValid(body []byte, header string) bool {
	if listener.configuration.Secret == "" {
		return true
	}
	if !strings.HasPrefix(header, signaturePrefixConstant) {
		return false
	}
	provided, decodeError := hex.DecodeString(strings.TrimPrefix(header, signaturePrefixConstant))
	if decodeError != nil {
		return false
	}
	return hmac.Equal(provided, SignPayload(listener.configuration.Secret, body))
}

// SignPayload computes the raw HMAC-SHA256 of body under secret.
func SignPayload(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader renders the X-Hub-Signature-256 value for body.
func SignatureHeader(secret string, body []byte) string {
	return signaturePrefixConstant + hex.EncodeToString(SignPayload(secret, body))
}

func (listener *Listener) handleListRuns(requestContext *gin.Context) {
	if listener.catalog == nil {
		requestContext.JSON(http.StatusNotFound, gin.H{"error": errorHistoryDisabled})
		return
	}
	limit := 0
	if rawLimit := requestContext.Query(limitQueryConstant); rawLimit != "" {
		parsed, parseError := strconv.Atoi(rawLimit)
		if parseError != nil || parsed <= 0 {
			requestContext.JSON(http.StatusBadRequest, gin.H{"error": errorLimitConstant})
			return
		}
		limit = parsed
	}
	runs, listError := listener.catalog.ListRuns(requestContext.Request.Context(), limit)
	if listError != nil {
		listener.logger.Error(historyQueryFailedMessage, zap.Error(listError))
		requestContext.JSON(http.StatusInternalServerError, gin.H{"error": listError.Error()})
		return
	}
	requestContext.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (listener *Listener) handleGetRun(requestContext *gin.Context) {
	if listener.catalog == nil {
		requestContext.JSON(http.StatusNotFound, gin.H{"error": errorHistoryDisabled})
		return
	}
	run, getError := listener.catalog.GetRun(requestContext.Request.Context(), requestContext.Param(runIdentifierParamConstant))
	if errors.Is(getError, history.ErrRunNotFound) {
		requestContext.JSON(http.StatusNotFound, gin.H{"error": errorRunNotFound})
		return
	}
	if getError != nil {
		listener.logger.Error(historyQueryFailedMessage, zap.Error(getError))
		requestContext.JSON(http.StatusInternalServerError, gin.H{"error": getError.Error()})
		return
	}
	requestContext.JSON(http.StatusOK, run)
}

func (listener *Listener) requestLogger() gin.HandlerFunc {
	return func(requestContext *gin.Context) {
		started := time.Now()
		requestContext.Next()
		listener.logger.Debug(
			httpRequestMessage,
			zap.String(logFieldMethod, requestContext.Request.Method),
			zap.String(logFieldPath, requestContext.FullPath()),
			zap.Int(logFieldStatus, requestContext.Writer.Status()),
			zap.Duration(logFieldDuration, time.Since(started)),
		)
	}
}

type webhookRepository struct {
	FullName string `json:"full_name"`
}

type webhookSender struct {
	Login string `json:"login"`
}

type webhookCommit struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

type pushPayload struct {
	Ref        string            `json:"ref"`
	After      string            `json:"after"`
	Deleted    bool              `json:"deleted"`
	Commits    []webhookCommit   `json:"commits"`
	Repository webhookRepository `json:"repository"`
	Sender     webhookSender     `json:"sender"`
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Head struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository webhookRepository `json:"repository"`
	Sender     webhookSender     `json:"sender"`
}

type dispatchPayload struct {
	Ref        string            `json:"ref"`
	Repository webhookRepository `json:"repository"`
	Sender     webhookSender     `json:"sender"`
}

// ParseWebhookPayload converts a GitHub-style delivery into an Event. supported is false for
// events that never start runs: unknown events, branch deletions and pull request actions
// other than opened, synchronize and reopened.
func ParseWebhookPayload(eventName string, body []byte) (event Event, supported bool, parseError error) {
	switch eventName {
	case pipeline.EventPush:
		var payload pushPayload
		if decodeError := json.Unmarshal(body, &payload); decodeError != nil {
			return Event{}, false, decodeError
		}
		if payload.Deleted {
			return Event{}, false, nil
		}
		return Event{
			Name:         pipeline.EventPush,
			Ref:          payload.Ref,
			SHA:          payload.After,
			Repository:   payload.Repository.FullName,
			Actor:        payload.Sender.Login,
			ChangedFiles: changedFiles(payload.Commits),
		}, true, nil
	case pipeline.EventPullRequest:
		var payload pullRequestPayload
		if decodeError := json.Unmarshal(body, &payload); decodeError != nil {
			return Event{}, false, decodeError
		}
		if _, triggers := pullRequestRunActions[payload.Action]; !triggers {
			return Event{}, false, nil
		}
		return Event{
			Name:       pipeline.EventPullRequest,
			Ref:        branchRefPrefix + payload.PullRequest.Head.Ref,
			BaseRef:    branchRefPrefix + payload.PullRequest.Base.Ref,
			SHA:        payload.PullRequest.Head.SHA,
			Repository: payload.Repository.FullName,
			Actor:      payload.Sender.Login,
		}, true, nil
	case pipeline.EventWorkflowDispatch:
		var payload dispatchPayload
		if decodeError := json.Unmarshal(body, &payload); decodeError != nil {
			return Event{}, false, decodeError
		}
		return Event{
			Name:       pipeline.EventWorkflowDispatch,
			Ref:        payload.Ref,
			Repository: payload.Repository.FullName,
			Actor:      payload.Sender.Login,
		}, true, nil
	default:
		return Event{}, false, nil
	}
}

// changedFiles flattens the files touched by commits, first occurrence first.
func changedFiles(commits []webhookCommit) []string {
	seen := make(map[string]struct{})
	var files []string
	for _, commit := range commits {
		for _, group := range [][]string{commit.Added, commit.Modified, commit.Removed} {
			for _, file := range group {
				if _, exists := seen[file]; exists {
					continue
				}
				seen[file] = struct{}{}
				files = append(files, file)
			}
		}
	}
	return files
}
