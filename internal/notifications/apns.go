package notifications

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

// APNsConfig holds configuration for Apple Push Notification service
type APNsConfig struct {
	KeyPath    string // Path to .p8 key file
	KeyID      string // Key ID from Apple Developer Portal
	TeamID     string // Team ID from Apple Developer Portal
	BundleID   string // App bundle ID (e.g., com.storyloom.app)
	Production bool   // Use production environment
}

// APNsClient sends push notifications via Apple Push Notification service
type APNsClient struct {
	client   *apns2.Client
	bundleID string
	logger   *log.Logger
	mu       sync.Mutex
}

// NewAPNsClient creates a new APNs client
func NewAPNsClient(cfg APNsConfig, logger *log.Logger) (*APNsClient, error) {
	if cfg.KeyPath == "" || cfg.KeyID == "" || cfg.TeamID == "" || cfg.BundleID == "" {
		logger.Println("APNs: missing configuration, push notifications disabled")
		return nil, nil
	}

	// Load the .p8 key
	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read APNs key file: %w", err)
	}

	// Parse the private key
	block, _ := pem.Decode(keyBytes)
	if block == nil {
		return nil, fmt.Errorf("failed to decode APNs key PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs key: %w", err)
	}

	ecdsaKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("APNs key is not an ECDSA private key")
	}

	// Create the auth token
	authToken := &token.Token{
		AuthKey: ecdsaKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	// Create the client
	var client *apns2.Client
	if cfg.Production {
		client = apns2.NewTokenClient(authToken).Production()
	} else {
		client = apns2.NewTokenClient(authToken).Development()
	}

	logger.Printf("APNs: client initialized (production=%v, bundle=%s)", cfg.Production, cfg.BundleID)

	return &APNsClient{
		client:   client,
		bundleID: cfg.BundleID,
		logger:   logger,
	}, nil
}

// JobNotification represents data for an audiobook job notification
type JobNotification struct {
	JobID           string
	ProjectTitle    string
	DurationSeconds int
	CostCents       int
	WasOverage      bool
	ErrorDetail     string
}

// SendJobCompleted notifies a device that its audiobook finished generating
func (c *APNsClient) SendJobCompleted(deviceToken string, notif JobNotification) error {
	if c == nil || c.client == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	body := fmt.Sprintf("%s is ready to listen (~%d min).", notif.ProjectTitle, notif.DurationSeconds/60)
	if notif.WasOverage {
		body = fmt.Sprintf("%s is ready to listen (~%d min). Overage charge: $%.2f.",
			notif.ProjectTitle, notif.DurationSeconds/60, float64(notif.CostCents)/100)
	}

	p := payload.NewPayload().
		AlertTitle("Audiobook ready").
		AlertBody(body).
		Sound("default").
		Custom("job_id", notif.JobID)

	return c.push(deviceToken, p, 24*time.Hour)
}

// SendJobFailed notifies a device that its audiobook job failed
func (c *APNsClient) SendJobFailed(deviceToken string, notif JobNotification) error {
	if c == nil || c.client == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p := payload.NewPayload().
		AlertTitle("Audiobook generation failed").
		AlertBody(fmt.Sprintf("%s could not be generated. Open the app to try again.", notif.ProjectTitle)).
		Sound("default").
		Custom("job_id", notif.JobID)

	return c.push(deviceToken, p, 24*time.Hour)
}

func (c *APNsClient) push(deviceToken string, p *payload.Payload, expiry time.Duration) error {
	notification := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       c.bundleID,
		Payload:     p,
		Expiration:  time.Now().Add(expiry),
	}

	res, err := c.client.Push(notification)
	if err != nil {
		c.logger.Printf("APNs: failed to send notification: %v", err)
		return err
	}

	if res.StatusCode != 200 {
		c.logger.Printf("APNs: notification rejected (status=%d, reason=%s)", res.StatusCode, res.Reason)
		return fmt.Errorf("APNs rejected notification: %s", res.Reason)
	}

	c.logger.Printf("APNs: notification sent successfully to %s...", deviceToken[:16])
	return nil
}
