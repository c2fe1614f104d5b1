package possync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/pos_ledger/config"
	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/mmdatafocus/pos_ledger/utils"
	"github.com/mmdatafocus/pos_ledger/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RunPublisher hands a queued run to the sync workers.
type RunPublisher interface {
	PublishSyncRun(ctx context.Context, payload SyncPubSubPayload) error
}

// PubSubPublisher publishes runs to the SALES_SYNC_TOPIC topic.
type PubSubPublisher struct{}

func (PubSubPublisher) PublishSyncRun(ctx context.Context, payload SyncPubSubPayload) error {
	topic, err := config.SalesSyncTopic(ctx)
	if err != nil {
		return err
	}

	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"business_id": payload.BusinessId,
			"run_id":      strconv.FormatUint(uint64(payload.RunId), 10),
		},
	})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler runs the sync for a pushed message. Malformed messages
// and permanent failures are acked with 204; transient failures answer 5xx so
// Pub/Sub redelivers. A message id already handled successfully is skipped.
func PubSubPushHandler(w *Worker) gin.HandlerFunc {
	validate := validator.New()
	return func(c *gin.Context) {
		if !config.SalesSyncPushEnabled() {
			c.Status(http.StatusNoContent)
			return
		}
		logger := w.logger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			logger.WithField("field", "PubSubPushHandler").Warn("invalid push envelope: " + err.Error())
			c.Status(http.StatusNoContent)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		if err := validate.Struct(payload); err != nil {
			logger.WithField("field", "PubSubPushHandler").Warn("invalid sync payload: " + err.Error())
			c.Status(http.StatusNoContent)
			return
		}

		fields := logrus.Fields{
			"field":       "PubSubPushHandler",
			"business_id": payload.BusinessId,
			"run_id":      payload.RunId,
			"message_id":  envelope.Message.ID,
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), payload.BusinessId)
		messageId := strings.TrimSpace(envelope.Message.ID)
		db := w.DB.WithContext(ctx)
		handler := models.IdempotencyHandlerSalesSyncPush

		if messageId != "" {
			skip, err := workflow.BeginIdempotency(db, payload.BusinessId, handler, messageId)
			if errors.Is(err, workflow.ErrIdempotencyInProgress) {
				c.Status(http.StatusTooManyRequests)
				return
			}
			if err != nil {
				logger.WithFields(fields).Error("begin idempotency: " + err.Error())
				c.Status(http.StatusInternalServerError)
				return
			}
			if skip {
				c.Status(http.StatusNoContent)
				return
			}
		}

		err = w.ProcessSyncRun(ctx, payload)
		if err == nil {
			if messageId != "" {
				_ = workflow.MarkIdempotencySucceeded(db, payload.BusinessId, handler, messageId, payload.RunId)
			}
			c.Status(http.StatusNoContent)
			return
		}

		if messageId != "" {
			_ = workflow.MarkIdempotencyFailed(db, payload.BusinessId, handler, messageId, err)
		}
		if isPermanent(err) {
			logger.WithFields(fields).Warn("sync run rejected: " + err.Error())
			c.Status(http.StatusNoContent)
			return
		}
		if errors.Is(err, workflow.ErrSyncInProgress) {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		logger.WithFields(fields).Error("sync run failed: " + err.Error())
		c.Status(http.StatusInternalServerError)
	}
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrProviderBlocked) ||
		errors.Is(err, ErrUnknownProvider) ||
		errors.Is(err, models.ErrBusinessNotFound) ||
		errors.Is(err, gorm.ErrRecordNotFound)
}
