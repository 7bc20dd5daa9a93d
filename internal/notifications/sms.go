package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// SMSConfig holds configuration for SMS notifications via Twilio
type SMSConfig struct {
	AccountSID   string // Twilio Account SID
	AuthToken    string // Twilio Auth Token
	SenderNumber string // Twilio phone number to send from (E.164 format)
}

// SMSClient sends caregiver SMS alerts via Twilio Programmable Messaging.
// SMS is the fallback path for caregivers without the app installed.
type SMSClient struct {
	accountSID   string
	authToken    string
	senderNumber string
	logger       *log.Logger
	mu           sync.Mutex
}

// NewSMSClient creates a new SMS client. Missing credentials disable SMS
// rather than failing startup.
func NewSMSClient(cfg SMSConfig, logger *log.Logger) (*SMSClient, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		logger.Println("SMS: missing Twilio credentials, SMS notifications disabled")
		return nil, nil
	}

	logger.Printf("SMS: client initialized (sender=%s)", cfg.SenderNumber)

	return &SMSClient{
		accountSID:   cfg.AccountSID,
		authToken:    cfg.AuthToken,
		senderNumber: cfg.SenderNumber,
		logger:       logger,
	}, nil
}

// twilioMessageResponse represents a Twilio Messages API response
type twilioMessageResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    int    `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// SendSMS sends an SMS message to the specified phone number
func (c *SMSClient) SendSMS(ctx context.Context, to, body string) error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.senderNumber == "" {
		return fmt.Errorf("SMS sender number not configured")
	}

	apiURL := fmt.Sprintf(
		"https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json",
		c.accountSID,
	)

	data := url.Values{}
	data.Set("To", to)
	data.Set("From", c.senderNumber)
	data.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		c.logger.Printf("SMS: failed to send to %s: %v", to, err)
		return fmt.Errorf("failed to send SMS: %w", err)
	}
	defer resp.Body.Close()

	var msgResp twilioMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Printf("SMS: Twilio error (code=%d, msg=%s)", msgResp.ErrorCode, msgResp.ErrorMessage)
		return fmt.Errorf("Twilio API error: %d - %s", msgResp.ErrorCode, msgResp.ErrorMessage)
	}

	c.logger.Printf("SMS: sent to %s (sid=%s, status=%s)", to, msgResp.SID, msgResp.Status)
	return nil
}

// SendUnattendedAlert tells the caregiver a check-in went unanswered.
func (c *SMSClient) SendUnattendedAlert(ctx context.Context, to, participantName string, at time.Time) error {
	body := fmt.Sprintf("Nora: %s did not respond to the %s check-in. You may want to give them a call.",
		participantName, at.Local().Format("15:04"))
	return c.SendSMS(ctx, to, body)
}

// SendErrorAlert tells the caregiver a check-in failed outright.
func (c *SMSClient) SendErrorAlert(ctx context.Context, to, participantName string) error {
	body := fmt.Sprintf("Nora: today's check-in with %s could not complete due to a technical problem.", participantName)
	return c.SendSMS(ctx, to, body)
}

// SendConcernAlert relays a concerning sentiment summary.
func (c *SMSClient) SendConcernAlert(ctx context.Context, to, summary string) error {
	body := fmt.Sprintf("Nora: today's check-in raised a concern. %s", summary)
	return c.SendSMS(ctx, to, body)
}
