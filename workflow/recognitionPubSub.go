package workflow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"bitbucket.org/mmdatafocus/settlement_backend/config"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
)

// PubSubMessage is the push envelope Pub/Sub posts to the HTTP endpoint.
type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// RecognitionPushHandler ingests push deliveries. Poisoned messages are acked
// with 204; transient failures answer 500 so Pub/Sub redelivers.
func RecognitionPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "recognitionPubSub.go", "RecognitionPushHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		var envelope PubSubMessage
		if err := json.Unmarshal(body, &envelope); err != nil {
			config.LogError(logger, "recognitionPubSub.go", "RecognitionPushHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}

		msg, err := DecodeRecognitionMessage(envelope.Message.Data)
		if err != nil {
			config.LogError(logger, "recognitionPubSub.go", "RecognitionPushHandler", "DecodeRecognitionMessage", envelope.Message.ID, err)
			c.Status(http.StatusNoContent)
			return
		}

		if _, err := ProcessRecognitionMessage(c.Request.Context(), logger, msg, envelope.Message.ID); err != nil {
			if IsPermanent(err) {
				c.Status(http.StatusNoContent)
				return
			}
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// PublishRecognitionMessage publishes msg to the recognition topic and waits
// for the server ack.
func PublishRecognitionMessage(ctx context.Context, msg *RecognitionMessage) (string, error) {
	client, err := config.GetClient(ctx)
	if err != nil {
		return "", err
	}
	topic, err := config.RecognitionTopic(ctx, client)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	res := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"organization_id": msg.OrganizationId},
	})
	return res.Get(ctx)
}
