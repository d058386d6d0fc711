package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gramq/internal/store"
	logx "gramq/pkg/logx"
)

// Instagram talks the Graph-style container flow:
// create container -> poll status_code -> publish -> permalink lookup.
type Instagram struct {
	cfg  InstagramConfig
	http *http.Client
	log  logx.Logger
}

type InstagramConfig struct {
	// BaseURL lets tests point at a fake Graph server.
	BaseURL string

	// PollInterval/PollTimeout bound the wait for media processing.
	PollInterval time.Duration
	PollTimeout  time.Duration

	HTTPTimeout time.Duration
}

func (c InstagramConfig) withDefaults() InstagramConfig {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = "https://graph.instagram.com"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 90 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	return c
}

func NewInstagram(cfg InstagramConfig, log logx.Logger) *Instagram {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Instagram{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
		log:  log.With(logx.String("platform", "instagram")),
	}
}

// Processing terminal states reported by the status endpoint.
const (
	statusInProgress = "IN_PROGRESS"
	statusFinished   = "FINISHED"
	statusError      = "ERROR"
)

func (ig *Instagram) PublishSingle(ctx context.Context, account *store.Account, token, artifactRef, caption string) (*Result, error) {
	params := url.Values{}
	params.Set("image_url", artifactRef)
	if caption != "" {
		params.Set("caption", caption)
	}
	creationID, err := ig.createMedia(ctx, account, token, params)
	if err != nil {
		return nil, err
	}

	if err := ig.waitReady(ctx, creationID, token); err != nil {
		return nil, err
	}

	mediaID, err := ig.publish(ctx, account, token, creationID)
	if err != nil {
		return nil, err
	}

	return &Result{MediaRef: mediaID, Permalink: ig.resolvePermalink(ctx, mediaID, token)}, nil
}

func (ig *Instagram) PublishCarousel(ctx context.Context, account *store.Account, token string, items []Item, caption string) (*Result, error) {
	if len(items) < MinCarouselItems || len(items) > MaxCarouselItems {
		return nil, &PublishError{
			Code: SubUploadRejected,
			Msg:  fmt.Sprintf("carousel size %d outside %d..%d", len(items), MinCarouselItems, MaxCarouselItems),
		}
	}

	children := make([]string, 0, len(items))
	for _, it := range items {
		params := url.Values{}
		params.Set("image_url", it.ArtifactRef)
		params.Set("is_carousel_item", "true")
		id, err := ig.createMedia(ctx, account, token, params)
		if err != nil {
			return nil, err
		}
		children = append(children, id)
	}

	params := url.Values{}
	params.Set("media_type", "CAROUSEL")
	params.Set("children", strings.Join(children, ","))
	if caption != "" {
		params.Set("caption", caption)
	}
	parentID, err := ig.createMedia(ctx, account, token, params)
	if err != nil {
		return nil, err
	}

	if err := ig.waitReady(ctx, parentID, token); err != nil {
		return nil, err
	}

	mediaID, err := ig.publish(ctx, account, token, parentID)
	if err != nil {
		return nil, err
	}

	return &Result{MediaRef: mediaID, Permalink: ig.resolvePermalink(ctx, mediaID, token)}, nil
}

func (ig *Instagram) createMedia(ctx context.Context, account *store.Account, token string, params url.Values) (string, error) {
	params.Set("access_token", token)
	endpoint := fmt.Sprintf("%s/%s/media", ig.cfg.BaseURL, account.PlatformUserID)

	var resp struct {
		ID string `json:"id"`
	}
	if err := ig.postForm(ctx, endpoint, params, &resp); err != nil {
		return "", &PublishError{Code: SubUploadRejected, Msg: "create media container", Err: err}
	}
	if resp.ID == "" {
		return "", &PublishError{Code: SubUploadRejected, Msg: "create media container: empty id"}
	}
	return resp.ID, nil
}

// waitReady polls the container status until FINISHED, ERROR, or the bounded
// timeout. ERROR short-circuits immediately.
func (ig *Instagram) waitReady(ctx context.Context, creationID, token string) error {
	deadline := time.Now().Add(ig.cfg.PollTimeout)

	for {
		q := url.Values{}
		q.Set("fields", "status_code")
		q.Set("access_token", token)

		var resp struct {
			StatusCode string `json:"status_code"`
		}
		err := ig.get(ctx, fmt.Sprintf("%s/%s", ig.cfg.BaseURL, creationID), q, &resp)
		if err != nil {
			return &PublishError{Code: SubMediaProcessingError, Msg: "status poll", Err: err}
		}

		switch resp.StatusCode {
		case statusFinished:
			return nil
		case statusError:
			return &PublishError{Code: SubMediaProcessingError, Msg: "media processing reported ERROR"}
		case statusInProgress, "":
			// keep polling
		default:
			ig.log.Debug("unknown media status", logx.String("status", resp.StatusCode), logx.String("creation_id", creationID))
		}

		if time.Now().After(deadline) {
			return &PublishError{
				Code: SubMediaProcessingTimeout,
				Msg:  fmt.Sprintf("media not ready after %s", ig.cfg.PollTimeout),
			}
		}

		tmr := time.NewTimer(ig.cfg.PollInterval)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return &PublishError{Code: SubMediaProcessingTimeout, Msg: "poll canceled", Err: ctx.Err()}
		case <-tmr.C:
		}
	}
}

func (ig *Instagram) publish(ctx context.Context, account *store.Account, token, creationID string) (string, error) {
	params := url.Values{}
	params.Set("creation_id", creationID)
	params.Set("access_token", token)
	endpoint := fmt.Sprintf("%s/%s/media_publish", ig.cfg.BaseURL, account.PlatformUserID)

	var resp struct {
		ID string `json:"id"`
	}
	if err := ig.postForm(ctx, endpoint, params, &resp); err != nil {
		return "", &PublishError{Code: SubPublishRejected, Msg: "media publish", Err: err}
	}
	if resp.ID == "" {
		return "", &PublishError{Code: SubPublishRejected, Msg: "media publish: empty id"}
	}
	return resp.ID, nil
}

// resolvePermalink is best-effort: any failure falls back to a constructed
// URL and never fails the publish.
func (ig *Instagram) resolvePermalink(ctx context.Context, mediaID, token string) string {
	q := url.Values{}
	q.Set("fields", "permalink,shortcode")
	q.Set("access_token", token)

	var resp struct {
		Permalink string `json:"permalink"`
		Shortcode string `json:"shortcode"`
	}
	err := ig.get(ctx, fmt.Sprintf("%s/%s", ig.cfg.BaseURL, mediaID), q, &resp)
	if err == nil && resp.Permalink != "" {
		return resp.Permalink
	}
	if err == nil && resp.Shortcode != "" {
		return "https://www.instagram.com/p/" + resp.Shortcode + "/"
	}
	if err != nil {
		ig.log.Warn("permalink lookup failed, using fallback", logx.String("media_id", mediaID), logx.Err(err))
	}
	return "https://www.instagram.com/media/" + mediaID
}

// ---- HTTP plumbing ----

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func (ig *Instagram) postForm(ctx context.Context, endpoint string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return ig.do(req, out)
}

func (ig *Instagram) get(ctx context.Context, endpoint string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	return ig.do(req, out)
}

func (ig *Instagram) do(req *http.Request, out any) error {
	resp, err := ig.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error apiError `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
			return fmt.Errorf("api status %d: %s (code %d)", resp.StatusCode, e.Error.Message, e.Error.Code)
		}
		return fmt.Errorf("api status %d: %s", resp.StatusCode, strconv.Quote(truncate(string(body), 200)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
