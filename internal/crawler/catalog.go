package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"connector/internal/policy"
)

type Offer struct {
	ID      string        `json:"id"`
	AssetID string        `json:"asset_id"`
	Policy  policy.Policy `json:"policy"`
}

type Catalog struct {
	NodeID        string    `json:"node_id"`
	ParticipantID string    `json:"participant_id,omitempty"`
	Offers        []Offer   `json:"offers"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// HTTPAdapter fetches GET {node url}/catalog.
type HTTPAdapter struct {
	Client *http.Client
	// Token, if set, supplies a bearer token for the node.
	Token func(audience string) (string, error)
	Now   func() time.Time
}

func (a *HTTPAdapter) Fetch(ctx context.Context, item WorkItem) (Catalog, error) {
	url := strings.TrimRight(item.Node.URL, "/") + "/catalog"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Catalog{}, err
	}
	req.Header.Set("Accept", "application/json")
	if a.Token != nil {
		tok, err := a.Token(item.Node.URL)
		if err != nil {
			return Catalog{}, fmt.Errorf("mint token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return Catalog{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Catalog{}, fmt.Errorf("GET %s: status %d: %s", url, res.StatusCode, strings.TrimSpace(string(body)))
	}
	var c Catalog
	if err := json.NewDecoder(res.Body).Decode(&c); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog from %s: %w", url, err)
	}
	c.NodeID = item.Node.ID
	if a.Now != nil {
		c.FetchedAt = a.Now()
	} else {
		c.FetchedAt = time.Now()
	}
	return c, nil
}

// CatalogCache keeps the latest catalog per node for TTL.
type CatalogCache struct {
	TTL time.Duration
	Now func() time.Time

	mu      sync.RWMutex
	entries map[string]Catalog
}

func (c *CatalogCache) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *CatalogCache) Put(cat Catalog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]Catalog)
	}
	if cat.FetchedAt.IsZero() {
		cat.FetchedAt = c.now()
	}
	c.entries[cat.NodeID] = cat
}

func (c *CatalogCache) fresh(cat Catalog, now time.Time) bool {
	return c.TTL <= 0 || now.Before(cat.FetchedAt.Add(c.TTL))
}

func (c *CatalogCache) Get(nodeID string) (Catalog, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cat, ok := c.entries[nodeID]
	if !ok || !c.fresh(cat, c.now()) {
		return Catalog{}, false
	}
	return cat, true
}

// All returns fresh catalogs ordered by node id.
func (c *CatalogCache) All() []Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	out := make([]Catalog, 0, len(c.entries))
	for _, cat := range c.entries {
		if c.fresh(cat, now) {
			out = append(out, cat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// ExpireStale drops entries past their TTL. It has the shape of a plan pre-task.
func (c *CatalogCache) ExpireStale(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for id, cat := range c.entries {
		if !c.fresh(cat, now) {
			delete(c.entries, id)
		}
	}
	return nil
}
