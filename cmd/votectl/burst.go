package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/registry"
)

// burstConfig drives one load run against a live server.
type burstConfig struct {
	BaseURL      string
	ElectionID   string
	QuestionID   string
	Choices      []string
	Voters       int
	Concurrency  int
	MemberPrefix string
	Replay       bool
	PollTimeout  time.Duration
	Signer       *registry.Verifier
	Client       *http.Client
}

// burstReport summarises a run. Duplicates counts confirmation ids seen more
// than once plus replayed credentials the server accepted; both must be zero.
type burstReport struct {
	Voters     int
	Issued     int
	Accepted   int
	Rejected   int
	Persisted  int
	Duplicates int
	Elapsed    time.Duration
}

func (r burstReport) String() string {
	rate := 0.0
	if r.Elapsed > 0 {
		rate = float64(r.Accepted) / r.Elapsed.Seconds()
	}
	return fmt.Sprintf("voters=%s issued=%s accepted=%s rejected=%s persisted=%s duplicates=%s elapsed=%s rate=%s/s",
		humanize.Comma(int64(r.Voters)),
		humanize.Comma(int64(r.Issued)),
		humanize.Comma(int64(r.Accepted)),
		humanize.Comma(int64(r.Rejected)),
		humanize.Comma(int64(r.Persisted)),
		humanize.Comma(int64(r.Duplicates)),
		r.Elapsed.Round(time.Millisecond),
		humanize.FormatFloat("#,###.#", rate),
	)
}

type apiError struct {
	Status int
	Reason string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d (%s)", e.Status, e.Reason)
}

func (c burstConfig) validate() error {
	switch {
	case c.BaseURL == "":
		return errors.New("base url is required")
	case c.ElectionID == "" || c.QuestionID == "":
		return errors.New("election and question are required")
	case len(c.Choices) == 0:
		return errors.New("at least one choice is required")
	case c.Voters < 1:
		return errors.New("voters must be at least 1")
	case c.Signer == nil:
		return errors.New("member signer is required")
	}
	return nil
}

func runBurst(ctx context.Context, cfg burstConfig) (burstReport, error) {
	if err := cfg.validate(); err != nil {
		return burstReport{}, err
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 16
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	report := burstReport{Voters: cfg.Voters}

	creds := make([]string, 0, cfg.Voters)
	for i := 0; i < cfg.Voters; i++ {
		cred, err := cfg.issue(ctx, fmt.Sprintf("%s-%06d", cfg.MemberPrefix, i))
		if err != nil {
			return report, fmt.Errorf("issue credential %d: %w", i, err)
		}
		creds = append(creds, cred)
	}
	report.Issued = len(creds)

	start := time.Now()
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		seen = make(map[string]int, len(creds))
		sem  = make(chan struct{}, cfg.Concurrency)
	)
	for i, cred := range creds {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, cred string) {
			defer wg.Done()
			defer func() { <-sem }()
			choice := cfg.Choices[i%len(cfg.Choices)]
			id, err := cfg.submit(ctx, cred, choice)
			var replayed bool
			if err == nil && cfg.Replay {
				_, rerr := cfg.submit(ctx, cred, choice)
				replayed = rerr == nil
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Rejected++
				return
			}
			report.Accepted++
			seen[id]++
			if replayed {
				report.Duplicates++
			}
		}(i, cred)
	}
	wg.Wait()
	for _, n := range seen {
		if n > 1 {
			report.Duplicates += n - 1
		}
	}

	persisted, err := cfg.waitPersisted(ctx, seen)
	report.Persisted = persisted
	report.Elapsed = time.Since(start)
	return report, err
}

func (c burstConfig) issue(ctx context.Context, memberID string) (string, error) {
	token, err := c.Signer.Sign(memberID, "active", true, []string{"member"}, 10*time.Minute)
	if err != nil {
		return "", err
	}
	var out struct {
		Credential string `json:"credential"`
	}
	err = c.call(ctx, http.MethodPost, "/v1/elections/"+c.ElectionID+"/credentials",
		map[string]string{"Authorization": "Bearer " + token}, nil, http.StatusCreated, &out)
	return out.Credential, err
}

func (c burstConfig) submit(ctx context.Context, cred, choice string) (string, error) {
	body := map[string]any{"answers": map[string]any{c.QuestionID: map[string]any{"choice": choice}}}
	var out struct {
		ConfirmationID string `json:"confirmation_id"`
	}
	err := c.call(ctx, http.MethodPost, "/v1/ballots",
		map[string]string{"X-Voting-Credential": cred}, body, http.StatusAccepted, &out)
	return out.ConfirmationID, err
}

func (c burstConfig) waitPersisted(ctx context.Context, ids map[string]int) (int, error) {
	pending := make(map[string]struct{}, len(ids))
	for id := range ids {
		pending[id] = struct{}{}
	}
	deadline := time.Now().Add(c.PollTimeout)
	for {
		for id := range pending {
			var out struct {
				Status string `json:"status"`
			}
			if err := c.call(ctx, http.MethodGet, "/v1/ballots/"+id, nil, nil, http.StatusOK, &out); err != nil {
				return len(ids) - len(pending), err
			}
			switch out.Status {
			case "persisted":
				delete(pending, id)
			case "dead_lettered", "unknown":
				return len(ids) - len(pending), fmt.Errorf("ballot %s is %s", id, out.Status)
			}
		}
		if len(pending) == 0 {
			return len(ids), nil
		}
		if time.Now().After(deadline) {
			return len(ids) - len(pending), fmt.Errorf("%d ballots still pending", len(pending))
		}
		select {
		case <-ctx.Done():
			return len(ids) - len(pending), ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c burstConfig) call(ctx context.Context, method, path string, headers map[string]string, body any, want int, out any) error {
	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var e struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Status: resp.StatusCode, Reason: e.Reason}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
