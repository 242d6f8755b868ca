package endpoints

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"relay"
	"relay/internal/api/handler/request"
	"relay/internal/api/handler/response"
	"relay/internal/execution"
	"relay/internal/workflow"
)

type workflowHandler struct {
	store       *workflow.Store
	mapper      *workflow.Mapper
	coordinator *execution.Coordinator
	logger      zerolog.Logger
}

// WorkflowHandler sets up the graph-mutation routes.
func WorkflowHandler(router gin.IRouter, store *workflow.Store, mapper *workflow.Mapper, coordinator *execution.Coordinator) {
	h := &workflowHandler{
		store:       store,
		mapper:      mapper,
		coordinator: coordinator,
		logger:      relay.Logger,
	}

	router.POST("/update/text", h.updateText)
	router.POST("/update/image", h.updateImage)
}

// updateText writes text into a node addressed by role name or raw id. When
// no preferred field is given, or the preferred field is absent, the
// recognized text fields are searched in order and the resolved field is
// reported back.
func (slf *workflowHandler) updateText(c *gin.Context) {
	if slf.coordinator.InFlight() {
		c.JSON(http.StatusConflict, response.Status{Status: "Cannot update text while workflow is running"})
		return
	}

	var req request.UpdateText
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Status{Status: "Invalid request: " + err.Error()})
		return
	}
	ref, err := req.NodeRef()
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Status{Status: err.Error()})
		return
	}

	nodeID := slf.mapper.Resolve(ref)
	fields, err := slf.store.InputFields(nodeID)
	if err != nil {
		slf.logger.Error().Err(err).Str("nodeId", nodeID).Msg("Text update on unknown node")
		c.JSON(http.StatusNotFound, response.Status{Status: fmt.Sprintf("Node %s not found in workflow", nodeID)})
		return
	}

	field, err := workflow.FindTextField(fields, req.Field)
	if err != nil {
		slf.logger.Error().Err(err).Str("nodeId", nodeID).Msg("No text field on node")
		c.JSON(http.StatusUnprocessableEntity, response.Status{
			Status: fmt.Sprintf("Node %s has no recognized text input field", nodeID),
		})
		return
	}

	if _, err := slf.store.SetField(nodeID, field, req.Text); err != nil {
		slf.writeStoreError(c, nodeID, err)
		return
	}

	c.JSON(http.StatusOK, response.UpdateResult{
		Status: fmt.Sprintf("Updated text in node %s successfully", nodeID),
		NodeID: nodeID,
		Field:  field,
	})
}

// updateImage points a load-image node at a different input file.
func (slf *workflowHandler) updateImage(c *gin.Context) {
	if slf.coordinator.InFlight() {
		c.JSON(http.StatusConflict, response.Status{Status: "Cannot update image while workflow is running"})
		return
	}

	var req request.UpdateImage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Status{Status: "Invalid request: " + err.Error()})
		return
	}
	ref, err := req.NodeRef()
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Status{Status: err.Error()})
		return
	}

	nodeID := slf.mapper.Resolve(ref)
	if _, err := slf.store.SetField(nodeID, "image", req.Filename); err != nil {
		slf.writeStoreError(c, nodeID, err)
		return
	}

	c.JSON(http.StatusOK, response.UpdateResult{
		Status: fmt.Sprintf("Updated image in node %s to %s successfully", nodeID, req.Filename),
		NodeID: nodeID,
		Field:  "image",
	})
}

func (slf *workflowHandler) writeStoreError(c *gin.Context, nodeID string, err error) {
	switch {
	case errors.Is(err, workflow.ErrNodeNotFound):
		c.JSON(http.StatusNotFound, response.Status{Status: fmt.Sprintf("Node %s not found in workflow", nodeID)})
	case errors.Is(err, workflow.ErrFieldNotAccepted):
		c.JSON(http.StatusUnprocessableEntity, response.Status{Status: fmt.Sprintf("Node %s does not accept this input field", nodeID)})
	default:
		slf.logger.Error().Err(err).Str("nodeId", nodeID).Msg("Workflow update failed")
		c.JSON(http.StatusInternalServerError, response.Status{Status: "Error updating workflow: " + err.Error()})
	}
}
