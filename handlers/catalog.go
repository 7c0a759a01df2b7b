package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"purchase-service/internal/catalog"
	"purchase-service/pkg/ctxmanage"
	"purchase-service/pkg/logkey"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (h *Handler) ListItems(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)

	var itemType catalog.ItemType
	if t := c.Query("type"); t != "" {
		parsed, err := catalog.ParseItemType(t)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		itemType = parsed
	}
	limit, offset, err := page(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items, err := h.Catalog.ListItems(c.Request.Context(), itemType, limit, offset)
	if err != nil {
		slog.Error("error in listing items", slog.String(logkey.TraceID, traceId), slog.String(logkey.ERROR, err.Error()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch items"})
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) GetItem(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)
	ref, ok := refFromPath(c)
	if !ok {
		return
	}

	item, err := h.Catalog.GetItem(c.Request.Context(), ref)
	if err != nil {
		if errors.Is(err, catalog.ErrItemNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Item not found"})
			return
		}
		slog.Error("error in retrieving item", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.ItemID, ref.ID), slog.String(logkey.ERROR, err.Error()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch item"})
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) UpsertItem(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)
	ref, ok := refFromPath(c)
	if !ok {
		return
	}

	if c.Request.ContentLength > 5*1024 {
		slog.Error("request body limit breached", slog.String(logkey.TraceID, traceId), slog.Int64("Size Received", c.Request.ContentLength))
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Request body too large."})
		return
	}

	var ni catalog.NewItem
	if err := c.ShouldBindJSON(&ni); err != nil {
		slog.Error("json validation error", slog.String(logkey.TraceID, traceId), slog.String(logkey.ERROR, err.Error()))
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": http.StatusText(http.StatusBadRequest)})
		return
	}
	ni.Ref = ref
	if err := h.validate.Struct(ni); err != nil {
		slog.Error("validation failed", slog.String(logkey.TraceID, traceId), slog.String(logkey.ERROR, err.Error()))
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": validationMessage(err)})
		return
	}

	item, err := h.Catalog.UpsertItem(c.Request.Context(), ni)
	if err != nil {
		slog.Error("error in saving item", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.ItemID, ref.ID), slog.String(logkey.ERROR, err.Error()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Item update failed"})
		return
	}
	slog.Info("item saved", slog.String(logkey.TraceID, traceId), slog.String(logkey.ItemType, string(ref.Type)),
		slog.String(logkey.ItemID, ref.ID), slog.Int64("price", item.Price))
	c.JSON(http.StatusOK, item)
}

func refFromPath(c *gin.Context) (catalog.Ref, bool) {
	itemType, err := catalog.ParseItemType(c.Param("type"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return catalog.Ref{}, false
	}
	id := c.Param("id")
	if id == "" || len(id) > 64 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid item id"})
		return catalog.Ref{}, false
	}
	return catalog.Ref{Type: itemType, ID: id}, true
}

func page(c *gin.Context) (limit, offset int, err error) {
	limit, offset = defaultPageSize, 0
	if s := c.Query("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(limit, maxPageSize)
	}
	if s := c.Query("offset"); s != "" {
		offset, err = strconv.Atoi(s)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
