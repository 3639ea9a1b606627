// Package classify is the HTTP client of the server-side tag classification endpoint.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/rfidinv/internal/reconcile"
)

const classifyPath = "/inventory/classify"

var ErrNoBaseURL = errors.New("classification service URL is not configured")

// HTTPError is a non-2xx answer from the server.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("classify HTTP %d: %s", e.Status, e.Body)
}

type request struct {
	Tags   []string `json:"tags"`
	RoomID string   `json:"room_id,omitempty"`
	UnitID string   `json:"unit_id,omitempty"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *logrus.Logger
}

func New(baseURL, token string, timeout time.Duration, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Classify implements reconcile.Classifier.
func (c *Client) Classify(ctx context.Context, tags []string, roomID, unitID string) (*reconcile.ClassificationResult, error) {
	if c.baseURL == "" {
		return nil, ErrNoBaseURL
	}

	body, err := json.Marshal(request{Tags: tags, RoomID: roomID, UnitID: unitID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+classifyPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.WithFields(logrus.Fields{
		"tags": len(tags),
		"room": roomID,
		"unit": unitID,
	}).Debug("Submitting tags for classification")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classify request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: compactBody(respBody)}
	}

	var view reconcile.Classified
	if err := json.Unmarshal(respBody, &view); err != nil {
		return nil, fmt.Errorf("classify decode: %w", err)
	}
	c.canonicalize(&view)
	return view.Result(), nil
}

// canonicalize upper-cases echoed RFIDs so they line up with the submitted reads.
// The server must echo each asset's rfid: an asset without one cannot be tied to
// a read, and the engine then files that read under unknowns.
func (c *Client) canonicalize(view *reconcile.Classified) {
	for _, set := range []struct {
		class  reconcile.Class
		assets []reconcile.Asset
	}{
		{reconcile.ClassMatched, view.Matched},
		{reconcile.ClassNeighbors, view.Neighbors},
		{reconcile.ClassOtherRooms, view.OtherRooms},
	} {
		for i := range set.assets {
			a := &set.assets[i]
			a.RFID = strings.ToUpper(strings.TrimSpace(a.RFID))
			if a.RFID == "" {
				c.logger.WithFields(logrus.Fields{
					"class": set.class,
					"asset": a.ID,
				}).Warn("Classification answer has an asset without rfid")
			}
		}
	}
	for i, t := range view.Unknowns {
		view.Unknowns[i] = strings.ToUpper(strings.TrimSpace(t))
	}
}

func compactBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 320 {
		return s[:320] + "..."
	}
	return s
}
