// Package remote reads the announcement gist, its owner comments and the release
// tags that the digest and version loops watch.
package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"lotwatch/internal/throttle"
)

const (
	defaultBaseURL  = "https://api.github.com"
	apiVersion      = "2022-11-28"
	defaultMaxNotes = 50
	ownerAssoc      = "OWNER"
	ignoredTagName  = "api"
)

// Config holds remote endpoints.
type Config struct {
	BaseURL  string
	GistID   string
	TagsRepo string
	OwnerID  int64
	Token    string
	Timeout  time.Duration
}

// Client fetches remote announcement state through the shared limiter.
type Client struct {
	logger   *slog.Logger
	baseURL  string
	gistID   string
	tagsRepo string
	ownerID  int64
	token    string
	http     *http.Client
	limiter  *throttle.Limiter
}

// New creates a remote client.
func New(cfg Config, limiter *throttle.Limiter, logger *slog.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if limiter == nil {
		limiter = throttle.New(throttle.DefaultRPM)
	}
	return &Client{
		logger:   logger.With("component", "remote"),
		baseURL:  base,
		gistID:   strings.TrimSpace(cfg.GistID),
		tagsRepo: strings.Trim(strings.TrimSpace(cfg.TagsRepo), "/"),
		ownerID:  cfg.OwnerID,
		token:    cfg.Token,
		http:     &http.Client{Timeout: timeout},
		limiter:  limiter,
	}
}

// Descriptor is the current announcement payload.
type Descriptor struct {
	Tag     string
	Title   string
	Text    string
	Payload map[string]any
}

// Key is the digest dedup key of the descriptor.
func (d Descriptor) Key() string { return "d:" + d.Tag }

// Note is one owner comment on the announcement gist.
type Note struct {
	ID   int64
	Text string
}

// Key is the digest dedup key of the note.
func (n Note) Key() string { return "n:" + strconv.FormatInt(n.ID, 10) }

// VersionKey is the digest dedup key of an update announcement.
func VersionKey(tag string) string { return "ver:" + tag }

type gistFile struct {
	Filename string `json:"filename"`
	Language string `json:"language"`
	RawURL   string `json:"raw_url"`
	Content  string `json:"content"`
}

type gist struct {
	UpdatedAt string              `json:"updated_at"`
	Files     map[string]gistFile `json:"files"`
}

// Descriptor returns the announcement, or nil when the gist is not configured
// or carries no readable JSON file.
func (c *Client) Descriptor(ctx context.Context) (*Descriptor, error) {
	if c.gistID == "" {
		return nil, nil
	}
	var g gist
	if err := c.getJSON(ctx, c.baseURL+"/gists/"+c.gistID, &g); err != nil {
		return nil, err
	}
	file, ok := pickFile(g.Files)
	if !ok {
		return nil, nil
	}

	content := ""
	if file.RawURL != "" {
		body, err := c.get(ctx, file.RawURL)
		if err != nil {
			c.logger.Warn("read gist raw file failed", "file", file.Filename, "error", err)
		} else {
			content = string(body)
		}
	}
	if strings.TrimSpace(content) == "" {
		content = strings.TrimSpace(file.Content)
	}
	if content == "" {
		return nil, nil
	}
	return parseDescriptor(content, g.UpdatedAt)
}

func parseDescriptor(content, updatedAt string) (*Descriptor, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	d := &Descriptor{
		Tag:     strings.TrimSpace(stringField(payload, "tag")),
		Title:   stringField(payload, "title"),
		Text:    stringField(payload, "text", "message", "body"),
		Payload: payload,
	}
	if d.Tag == "" {
		d.Tag = fallbackTag(content, updatedAt)
	}
	return d, nil
}

// fallbackTag derives a stable tag from the gist revision time and content hash.
func fallbackTag(content, updatedAt string) string {
	sum := sha256.Sum256([]byte(content))
	digest := hex.EncodeToString(sum[:])[:16]
	if updatedAt = strings.TrimSpace(updatedAt); updatedAt != "" {
		return updatedAt + ":" + digest
	}
	return digest
}

// pickFile prefers a JSON file, then any file, in name order.
func pickFile(files map[string]gistFile) (gistFile, bool) {
	if len(files) == 0 {
		return gistFile{}, false
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f := files[name]
		if strings.EqualFold(f.Language, "json") || strings.HasSuffix(strings.ToLower(name), ".json") {
			return withName(f, name), true
		}
	}
	return withName(files[names[0]], names[0]), true
}

func withName(f gistFile, name string) gistFile {
	if f.Filename == "" {
		f.Filename = name
	}
	return f
}

type gistComment struct {
	ID                int64  `json:"id"`
	Body              string `json:"body"`
	AuthorAssociation string `json:"author_association"`
	User              struct {
		ID int64 `json:"id"`
	} `json:"user"`
}

// OwnerNotes returns comments written by the configured owner, oldest first.
func (c *Client) OwnerNotes(ctx context.Context) ([]Note, error) {
	if c.gistID == "" || c.ownerID == 0 {
		return nil, nil
	}
	var comments []gistComment
	if err := c.getJSON(ctx, c.baseURL+"/gists/"+c.gistID+"/comments", &comments); err != nil {
		return nil, err
	}
	sort.SliceStable(comments, func(i, j int) bool { return comments[i].ID < comments[j].ID })

	var notes []Note
	for _, cm := range comments {
		if cm.ID == 0 || !strings.EqualFold(strings.TrimSpace(cm.AuthorAssociation), ownerAssoc) || cm.User.ID != c.ownerID {
			continue
		}
		body := strings.TrimSpace(cm.Body)
		if body == "" {
			continue
		}
		notes = append(notes, Note{ID: cm.ID, Text: body})
		if len(notes) >= defaultMaxNotes {
			break
		}
	}
	return notes, nil
}

// LatestTag returns the newest release tag name, or "" when there is none.
func (c *Client) LatestTag(ctx context.Context) (string, error) {
	if c.tagsRepo == "" {
		return "", nil
	}
	var tags []struct {
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/repos/"+c.tagsRepo+"/tags?page=1", &tags); err != nil {
		return "", err
	}
	for _, t := range tags {
		name := strings.TrimSpace(t.Name)
		if name != "" && !strings.EqualFold(name, ignoredTagName) {
			return name, nil
		}
	}
	return "", nil
}

func (c *Client) getJSON(ctx context.Context, url string, dest any) error {
	body, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("remote throttle: %w", err)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read remote response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote %s: status=%d", url, res.StatusCode)
	}
	return body, nil
}

func stringField(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := payload[key]; ok {
			switch val := v.(type) {
			case string:
				if s := strings.TrimSpace(val); s != "" {
					return s
				}
			case float64:
				return strconv.FormatFloat(val, 'f', -1, 64)
			}
		}
	}
	return ""
}
