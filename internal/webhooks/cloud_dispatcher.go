package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// CloudDispatcher enqueues deliveries on a Google Cloud Tasks queue for
// durable, at-least-once delivery with queue-level retry policy and DLQ.
// Enqueue failures fall back to the in-process Dispatcher so a Cloud Tasks
// outage never loses a result event.
type CloudDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	fallback  *Dispatcher
	logger    *slog.Logger
}

func NewCloudDispatcher(registry *Registry, projectID, locationID, queueID string, fallback *Dispatcher, logger *slog.Logger) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks client: %w", err)
	}

	cd := &CloudDispatcher{
		registry:  registry,
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		fallback:  fallback,
		logger:    logger,
	}
	logger.Info("cloud tasks dispatcher connected", "queue", cd.queuePath)
	return cd, nil
}

// Emit creates one task per matching endpoint.
func (cd *CloudDispatcher) Emit(ctx context.Context, event Event) {
	endpoints, err := cd.registry.EnabledFor(ctx, event.TenantID, event.Name)
	if err != nil {
		cd.logger.Warn("webhook lookup failed", "tenant_id", event.TenantID, "error", err)
		return
	}
	if len(endpoints) == 0 {
		return
	}

	body, err := CanonicalJSON(event)
	if err != nil {
		cd.logger.Error("webhook payload encode failed", "session_id", event.SessionID, "error", err)
		return
	}

	for _, ep := range endpoints {
		cd.enqueue(ep, event, body)
	}
}

func (cd *CloudDispatcher) enqueue(ep Endpoint, event Event, body []byte) {
	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        ep.URL,
					Headers: map[string]string{
						"Content-Type":  "application/json",
						SignatureHeader: SignPayload(body, ep.Secret),
					},
					Body: body,
				},
			},
		},
	}

	// Enqueue off the verification hot path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := cd.client.CreateTask(ctx, req); err != nil {
			cd.logger.Warn("cloud task enqueue failed, using in-process delivery",
				"webhook_id", ep.ID, "session_id", event.SessionID, "error", err)
			if cd.fallback != nil {
				cd.fallback.deliverAsync(ep, event)
			}
			return
		}
		cd.logger.Info("cloud task enqueued", "webhook_id", ep.ID, "session_id", event.SessionID)
	}()
}

// Shutdown closes the client and drains the fallback dispatcher.
func (cd *CloudDispatcher) Shutdown(ctx context.Context) {
	if cd.fallback != nil {
		cd.fallback.Shutdown(ctx)
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Warn("cloud tasks client close failed", "error", err)
	}
}
