package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetrack/fleetrack/internal/config"
	"github.com/fleetrack/fleetrack/internal/models"
)

// Version is the agent build version reported at registration and in every
// inventory submission.
const Version = "0.1.0"

// errReregister signals that the server no longer knows this device and the
// agent must enroll again.
var errReregister = errors.New("server requested re-registration")

// state is the persisted enrollment identity. Losing this file forces a
// re-registration, which resolves to the same device via hostname.
type state struct {
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"device_token"`
}

func loadState(path string) (*state, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	if st.DeviceID == "" || st.DeviceToken == "" {
		return nil, errors.New("incomplete agent state")
	}
	return &st, nil
}

func saveState(path string, st *state) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// client talks to the Fleetrack server agent API. Every request after
// registration carries "Authorization: Bearer <device token>".
type client struct {
	baseURL string
	http    *http.Client
	st      *state
}

func (c *client) register(hostname string) error {
	reg := models.DeviceRegistration{
		Hostname:     hostname,
		OSVersion:    OSVersion(),
		AgentVersion: Version,
	}
	var resp models.DeviceRegistrationResponse
	if err := c.do(http.MethodPost, "/v1/agents/register", reg, &resp); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	c.st = &state{DeviceID: resp.DeviceID, DeviceToken: resp.DeviceToken}
	return nil
}

func (c *client) heartbeat() error {
	path := fmt.Sprintf("/v1/agents/%s/heartbeat", c.st.DeviceID)
	return c.do(http.MethodPost, path, struct{}{}, nil)
}

func (c *client) submitInventory(sub *models.InventorySubmission) error {
	path := fmt.Sprintf("/v1/agents/%s/inventory", c.st.DeviceID)
	return c.do(http.MethodPost, path, sub, nil)
}

// nextCommand claims the oldest queued command, or returns nil when the
// queue is empty.
func (c *client) nextCommand() (*models.Command, error) {
	path := fmt.Sprintf("/v1/agents/%s/commands/next", c.st.DeviceID)
	var resp struct {
		Command *models.Command `json:"command"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Command, nil
}

func (c *client) reportCommand(commandID string, report models.CommandReport) error {
	path := fmt.Sprintf("/v1/agents/%s/commands/%s/report", c.st.DeviceID, commandID)
	return c.do(http.MethodPost, path, report, nil)
}

// do performs one JSON round trip. A 202 response is the server's
// re-registration signal; it is surfaced as errReregister so the loop can
// re-enroll.
func (c *client) do(method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.st != nil {
		req.Header.Set("Authorization", "Bearer "+c.st.DeviceToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return errReregister
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("server rejected device token (401)")
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Run starts the agent main loop: enroll (or resume from the state file),
// then heartbeat every AgentInterval, submit inventory every
// AgentInventoryInterval, and execute queued commands between beats.
func Run(cfg *config.Config) error {
	collector := NewCollector()
	c := &client{
		baseURL: cfg.AgentServerURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("hostname: %w", err)
	}

	if st, err := loadState(cfg.AgentStatePath); err == nil {
		c.st = st
		log.Info().Str("device_id", st.DeviceID).Msg("agent resuming enrollment")
	} else {
		if err := enroll(c, cfg, hostname); err != nil {
			return err
		}
	}

	// First inventory right away so a fresh device shows up populated.
	submitInventory(c, cfg, collector, hostname)
	lastInventory := time.Now()

	ticker := time.NewTicker(cfg.AgentInterval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", cfg.AgentInterval).
		Str("server", cfg.AgentServerURL).
		Msg("agent reporting loop started")

	for range ticker.C {
		if err := c.heartbeat(); err != nil {
			if errors.Is(err, errReregister) {
				if err := enroll(c, cfg, hostname); err != nil {
					log.Error().Err(err).Msg("re-registration failed")
					continue
				}
			} else {
				log.Warn().Err(err).Msg("heartbeat failed")
				continue
			}
		}

		if time.Since(lastInventory) >= cfg.AgentInventoryInterval {
			if submitInventory(c, cfg, collector, hostname) {
				lastInventory = time.Now()
			}
		}

		runCommands(c, cfg, collector, hostname)
	}
	return nil
}

func enroll(c *client, cfg *config.Config, hostname string) error {
	if err := c.register(hostname); err != nil {
		return err
	}
	if err := saveState(cfg.AgentStatePath, c.st); err != nil {
		log.Warn().Err(err).Str("path", cfg.AgentStatePath).Msg("could not persist agent state")
	}
	log.Info().Str("device_id", c.st.DeviceID).Str("hostname", hostname).Msg("agent registered")
	return nil
}

func submitInventory(c *client, cfg *config.Config, collector *Collector, hostname string) bool {
	sub, err := collector.Collect()
	if err != nil {
		log.Error().Err(err).Msg("inventory collect failed")
		return false
	}
	if err := c.submitInventory(sub); err != nil {
		if errors.Is(err, errReregister) {
			if err := enroll(c, cfg, hostname); err != nil {
				log.Error().Err(err).Msg("re-registration failed")
				return false
			}
			return submitInventory(c, cfg, collector, hostname)
		}
		log.Warn().Err(err).Msg("inventory submit failed")
		return false
	}
	return true
}

// runCommands drains the command queue: claim, execute, report, repeat
// until the queue is empty.
func runCommands(c *client, cfg *config.Config, collector *Collector, hostname string) {
	for {
		cmd, err := c.nextCommand()
		if err != nil {
			if !errors.Is(err, errReregister) {
				log.Warn().Err(err).Msg("command poll failed")
			}
			return
		}
		if cmd == nil {
			return
		}

		log.Info().Str("command_id", cmd.ID).Str("type", string(cmd.CommandType)).Msg("executing command")
		report := executeCommand(c, cfg, collector, hostname, cmd)
		if err := c.reportCommand(cmd.ID, report); err != nil {
			log.Warn().Err(err).Str("command_id", cmd.ID).Msg("command report failed")
			return
		}
	}
}

func executeCommand(c *client, cfg *config.Config, collector *Collector, hostname string, cmd *models.Command) models.CommandReport {
	switch cmd.CommandType {
	case models.CommandTypeRefreshNow:
		if !submitInventory(c, cfg, collector, hostname) {
			return models.CommandReport{
				Status: models.CommandStatusFailed,
				Result: json.RawMessage(`{"error":"inventory submission failed"}`),
			}
		}
		return models.CommandReport{
			Status: models.CommandStatusCompleted,
			Result: json.RawMessage(`{"refreshed":true}`),
		}
	default:
		return models.CommandReport{
			Status: models.CommandStatusFailed,
			Result: json.RawMessage(fmt.Sprintf(`{"error":"unknown command type %q"}`, cmd.CommandType)),
		}
	}
}
