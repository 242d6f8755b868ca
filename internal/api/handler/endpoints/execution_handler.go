package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"relay"
	"relay/internal/api/handler/request"
	"relay/internal/api/handler/response"
	"relay/internal/execution"
	"relay/internal/realtime"
	"relay/internal/upstream"
	"relay/internal/workflow"
)

const interruptTimeout = 30 * time.Second

type executionHandler struct {
	store       *workflow.Store
	mapper      *workflow.Mapper
	coordinator *execution.Coordinator
	connector   *upstream.Connector
	hub         *realtime.Hub
	timeout     time.Duration
	promptRole  string
	logger      zerolog.Logger
}

// ExecutionHandler sets up the execution and status routes.
func ExecutionHandler(router gin.IRouter, store *workflow.Store, mapper *workflow.Mapper,
	coordinator *execution.Coordinator, connector *upstream.Connector, hub *realtime.Hub, cfg relay.AppConfig) {
	h := &executionHandler{
		store:       store,
		mapper:      mapper,
		coordinator: coordinator,
		connector:   connector,
		hub:         hub,
		timeout:     time.Duration(cfg.QueueTimeout) * time.Second,
		promptRole:  cfg.WorkflowConfig.PromptRole,
		logger:      relay.Logger,
	}

	router.GET("/health", h.health)
	router.GET("/status", h.status)
	router.GET("/queue", h.queue)
	router.POST("/generate/image", h.generateImage)
	router.POST("/interrupt", h.interrupt)
}

func (slf *executionHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, response.Status{Status: "ComfyUI workflow relay is running"})
}

func (slf *executionHandler) status(c *gin.Context) {
	state, promptID := slf.coordinator.Status()
	c.JSON(http.StatusOK, response.SystemStatus{
		Status:             "Server running",
		ExecutionStatus:    string(state),
		CurrentPromptID:    promptID,
		WorkflowLoaded:     slf.store.Loaded(),
		ConnectedWSClients: slf.hub.ClientCount(),
		ComfyServer:        slf.connector.Address(),
		SaveImageNodeID:    slf.mapper.SaveImageNode(),
	})
}

// queue submits the current graph and blocks the caller until execution
// reaches a terminal state or the configured timeout elapses.
func (slf *executionHandler) queue(c *gin.Context) {
	if !slf.store.Loaded() {
		c.JSON(http.StatusBadRequest, response.Status{Status: "No workflow loaded"})
		return
	}

	slf.logger.Info().Msg("Received request to execute workflow")
	res, err := slf.coordinator.SubmitAndWait(c.Request.Context(), slf.store.Snapshot(), slf.timeout)
	slf.writeExecutionResult(c, res, err)
}

// generateImage composes a prompt from the description cues, writes it into
// the configured prompt node, and runs the workflow in one call.
func (slf *executionHandler) generateImage(c *gin.Context) {
	var req request.GenerateImage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Status{Status: "Invalid request: " + err.Error()})
		return
	}
	if slf.coordinator.InFlight() {
		c.JSON(http.StatusConflict, response.Status{Status: "Workflow is already running"})
		return
	}

	nodeID := slf.mapper.Resolve(slf.promptRole)
	fields, err := slf.store.InputFields(nodeID)
	if err != nil {
		slf.logger.Error().Err(err).Str("nodeId", nodeID).Msg("Prompt node not in workflow")
		c.JSON(http.StatusNotFound, response.Status{Status: fmt.Sprintf("Prompt node %s not found in workflow", nodeID)})
		return
	}
	field, err := workflow.FindTextField(fields, "")
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, response.Status{
			Status: fmt.Sprintf("Prompt node %s has no recognized text input field", nodeID),
		})
		return
	}
	if _, err := slf.store.SetField(nodeID, field, req.Prompt()); err != nil {
		c.JSON(http.StatusInternalServerError, response.Status{Status: "Error updating prompt node: " + err.Error()})
		return
	}

	slf.logger.Info().Str("nodeId", nodeID).Str("field", field).Msg("Generating image from description")
	res, err := slf.coordinator.SubmitAndWait(c.Request.Context(), slf.store.Snapshot(), slf.timeout)
	slf.writeExecutionResult(c, res, err)
}

// interrupt acknowledges immediately and performs the engine interrupt in
// the background. State only changes when the engine's own interrupted event
// arrives on the read loop.
func (slf *executionHandler) interrupt(c *gin.Context) {
	go slf.doInterrupt()
	c.JSON(http.StatusOK, response.Status{Status: "Interrupt request received, processing..."})
}

func (slf *executionHandler) doInterrupt() {
	ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
	defer cancel()

	if err := slf.connector.Interrupt(ctx); err != nil {
		slf.logger.Error().Err(err).Msg("Interrupt request failed")
		return
	}
	if err := slf.connector.ClearQueue(ctx); err != nil {
		slf.logger.Error().Err(err).Msg("Engine queue clear failed")
	}
}

func (slf *executionHandler) writeExecutionResult(c *gin.Context, res execution.Result, err error) {
	switch {
	case errors.Is(err, execution.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, response.Status{Status: "Workflow is already running"})
	case errors.Is(err, execution.ErrExecutionTimeout):
		c.JSON(http.StatusGatewayTimeout, response.Status{Status: "workflow timeout - check /status for completion"})
	case errors.Is(err, upstream.ErrUnreachable):
		c.JSON(http.StatusBadGateway, response.Status{Status: fmt.Sprintf("generation failed - %v", err)})
	case err != nil:
		c.JSON(http.StatusInternalServerError, response.Status{Status: fmt.Sprintf("generation failed - %v", err)})
	case res.State == execution.StateInterrupted:
		c.JSON(http.StatusOK, response.QueueResult{Status: "Workflow interrupted", PromptID: res.PromptID})
	case res.ImageFilename == "":
		c.JSON(http.StatusInternalServerError, response.QueueResult{Status: "completed but no image found", PromptID: res.PromptID})
	default:
		slf.notifyImageGenerated(res)
		c.JSON(http.StatusOK, response.QueueResult{
			Status:        "Workflow completed successfully",
			ImageFilename: res.ImageFilename,
			ImageURL:      res.ImageURL,
			PromptID:      res.PromptID,
		})
	}
}

// notifyImageGenerated pushes a synthesized completion message to relay
// WebSocket clients, so consumers that only watch the socket learn the final
// image without polling the HTTP surface.
func (slf *executionHandler) notifyImageGenerated(res execution.Result) {
	notice, err := json.Marshal(response.ImageGenerated{
		Status:        "Workflow completed successfully",
		Type:          "image_generated",
		ImageFilename: res.ImageFilename,
		ImageURL:      res.ImageURL,
		PromptID:      res.PromptID,
	})
	if err != nil {
		return
	}
	slf.hub.Broadcast(realtime.TextEvent(notice))
}
