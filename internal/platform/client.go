// Package platform wraps the remote commerce platform's Admin GraphQL API.
// Every call acquires from the shared rate limiter first and returns typed
// errors so callers can decide between retry, dead-letter, and abort.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jafarshop/catalog-sync/internal/feed"
	"github.com/jafarshop/catalog-sync/internal/metrics"
	"github.com/jafarshop/catalog-sync/internal/ratelimit"
)

// Config configures the client.
type Config struct {
	ShopDomain  string
	AccessToken string
	APIVersion  string
	Timeout     time.Duration
}

// Client is a rate-limited GraphQL client for the platform Admin API.
type Client struct {
	endpoint    string
	accessToken string
	httpClient  *http.Client
	limiter     *ratelimit.Limiter
	log         *slog.Logger
}

// NewClient creates a new platform client. All requests pass through lim.
// A plain shop domain gets https; an explicit http:// scheme is kept.
func NewClient(cfg Config, lim *ratelimit.Limiter) *Client {
	scheme := "https"
	shopDomain := cfg.ShopDomain
	if strings.HasPrefix(shopDomain, "http://") {
		scheme = "http"
	}
	shopDomain = strings.TrimPrefix(shopDomain, "https://")
	shopDomain = strings.TrimPrefix(shopDomain, "http://")
	shopDomain = strings.TrimSuffix(shopDomain, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		endpoint:    fmt.Sprintf("%s://%s/admin/api/%s/graphql.json", scheme, shopDomain, cfg.APIVersion),
		accessToken: cfg.AccessToken,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     lim,
		log:         slog.With("component", "platform"),
	}
}

// RemoteEntity is the platform's current representation of a product.
// Read-only snapshot for a run; stale immediately after fetch.
type RemoteEntity struct {
	RemoteID  string
	SKU       string
	Title     string
	UpdatedAt time.Time
}

// GraphQLRequest represents a GraphQL request.
type GraphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// GraphQLResponse represents a GraphQL response.
type GraphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors,omitempty"`
}

// GraphQLError represents a GraphQL error.
type GraphQLError struct {
	Message    string                 `json:"message"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// userError is a mutation-level validation failure.
type userError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

// Execute runs a GraphQL query or mutation. It blocks on the rate limiter
// first, then classifies failures into the error taxonomy. Throttle signals
// also shrink the limiter's rate.
func (c *Client) Execute(ctx context.Context, op, query string, variables map[string]interface{}) (*GraphQLResponse, error) {
	if err := c.acquire(ctx, 1); err != nil {
		return nil, err
	}

	jsonData, err := json.Marshal(GraphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, &PermanentError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, &PermanentError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Access-Token", c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.countRequest("transient")
		return nil, &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.countRequest("transient")
		return nil, &TransientError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		cerr := classifyStatus(op, resp.StatusCode,
			retryAfter, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 512)))
		c.noteError(cerr, retryAfter)
		return nil, cerr
	}

	var gqlResp GraphQLResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		c.countRequest("transient")
		return nil, &TransientError{Op: op, Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	if len(gqlResp.Errors) > 0 {
		if throttled(gqlResp.Errors) {
			rerr := &RateLimitedError{Op: op, Err: fmt.Errorf("throttled: %s", gqlResp.Errors[0].Message)}
			c.noteError(rerr, 0)
			return nil, rerr
		}
		msgs := make([]string, len(gqlResp.Errors))
		for i, e := range gqlResp.Errors {
			msgs[i] = e.Message
		}
		c.countRequest("permanent")
		return nil, &PermanentError{Op: op, Err: fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))}
	}

	c.limiter.OnSuccess()
	c.countRequest("ok")
	if m := metrics.Get(); m != nil {
		m.EffectiveRate.Set(c.limiter.Rate())
	}
	return &gqlResp, nil
}

// Ping verifies the platform is reachable and the credential valid.
// Any failure here is fatal for the run.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Execute(ctx, "ping", queryShop, nil)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("platform unreachable: %w", err)}
	}
	var payload struct {
		Shop struct {
			Name string `json:"name"`
		} `json:"shop"`
	}
	if err := json.Unmarshal(resp.Data, &payload); err != nil {
		return &FatalError{Err: fmt.Errorf("decode shop: %w", err)}
	}
	c.log.Info("platform reachable", "shop", payload.Shop.Name)
	return nil
}

// FetchCatalogSnapshot pages through the remote catalog and returns the
// current product snapshot, keyed by first-variant SKU.
func (c *Client) FetchCatalogSnapshot(ctx context.Context) ([]RemoteEntity, error) {
	var entities []RemoteEntity
	cursor := ""

	for {
		vars := map[string]interface{}{"first": 250}
		if cursor != "" {
			vars["after"] = cursor
		}

		resp, err := c.Execute(ctx, "fetch_catalog", queryProductsPage, vars)
		if err != nil {
			return nil, err
		}

		var payload struct {
			Products struct {
				Edges []struct {
					Cursor string `json:"cursor"`
					Node   struct {
						ID        string    `json:"id"`
						Title     string    `json:"title"`
						UpdatedAt time.Time `json:"updatedAt"`
						Variants  struct {
							Edges []struct {
								Node struct {
									SKU string `json:"sku"`
								} `json:"node"`
							} `json:"edges"`
						} `json:"variants"`
					} `json:"node"`
				} `json:"edges"`
				PageInfo struct {
					HasNextPage bool `json:"hasNextPage"`
				} `json:"pageInfo"`
			} `json:"products"`
		}
		if err := json.Unmarshal(resp.Data, &payload); err != nil {
			return nil, &TransientError{Op: "fetch_catalog", Err: fmt.Errorf("decode products page: %w", err)}
		}

		for _, edge := range payload.Products.Edges {
			e := RemoteEntity{
				RemoteID:  edge.Node.ID,
				Title:     edge.Node.Title,
				UpdatedAt: edge.Node.UpdatedAt,
			}
			if len(edge.Node.Variants.Edges) > 0 {
				e.SKU = edge.Node.Variants.Edges[0].Node.SKU
			}
			entities = append(entities, e)
			cursor = edge.Cursor
		}

		if !payload.Products.PageInfo.HasNextPage {
			break
		}
	}

	return entities, nil
}

// CreateProduct creates a product with its variants and returns the remote ID.
func (c *Client) CreateProduct(ctx context.Context, rec feed.Record) (string, error) {
	resp, err := c.Execute(ctx, "create_product", mutationProductCreate, map[string]interface{}{
		"input": productInput(rec),
	})
	if err != nil {
		return "", err
	}

	var payload struct {
		ProductCreate struct {
			Product struct {
				ID string `json:"id"`
			} `json:"product"`
			UserErrors []userError `json:"userErrors"`
		} `json:"productCreate"`
	}
	if err := json.Unmarshal(resp.Data, &payload); err != nil {
		return "", &TransientError{Op: "create_product", Err: fmt.Errorf("decode payload: %w", err)}
	}
	if len(payload.ProductCreate.UserErrors) > 0 {
		return "", &PermanentError{Op: "create_product", Err: userErrorf(payload.ProductCreate.UserErrors)}
	}
	if payload.ProductCreate.Product.ID == "" {
		return "", &TransientError{Op: "create_product", Err: fmt.Errorf("empty product id in response")}
	}
	return payload.ProductCreate.Product.ID, nil
}

// CreateProductsBulk creates several products in a single request using
// aliased mutations, conserving rate budget over N single calls.
// Returns remote IDs keyed by SKU; per-item userErrors come back keyed too
// so one bad product does not fail its siblings.
func (c *Client) CreateProductsBulk(ctx context.Context, recs []feed.Record) (map[string]string, map[string]error, error) {
	if len(recs) == 0 {
		return nil, nil, nil
	}
	if len(recs) == 1 {
		id, err := c.CreateProduct(ctx, recs[0])
		if err != nil {
			return nil, map[string]error{recs[0].SKU: err}, nil
		}
		return map[string]string{recs[0].SKU: id}, nil, nil
	}

	query, vars := buildBulkCreate(recs)
	resp, err := c.Execute(ctx, "create_products_bulk", query, vars)
	if err != nil {
		return nil, nil, err
	}

	var raw map[string]struct {
		Product struct {
			ID string `json:"id"`
		} `json:"product"`
		UserErrors []userError `json:"userErrors"`
	}
	if err := json.Unmarshal(resp.Data, &raw); err != nil {
		return nil, nil, &TransientError{Op: "create_products_bulk", Err: fmt.Errorf("decode payload: %w", err)}
	}

	ids := make(map[string]string)
	itemErrs := make(map[string]error)
	for i, rec := range recs {
		alias := bulkAlias(i)
		payload, ok := raw[alias]
		if !ok {
			itemErrs[rec.SKU] = &TransientError{Op: "create_products_bulk", Err: fmt.Errorf("missing alias %s in response", alias)}
			continue
		}
		if len(payload.UserErrors) > 0 {
			itemErrs[rec.SKU] = &PermanentError{Op: "create_products_bulk", Err: userErrorf(payload.UserErrors)}
			continue
		}
		ids[rec.SKU] = payload.Product.ID
	}
	return ids, itemErrs, nil
}

// UpdateProduct updates product attributes and variants for an existing
// remote product.
func (c *Client) UpdateProduct(ctx context.Context, remoteID string, rec feed.Record) error {
	input := productInput(rec)
	input["id"] = remoteID

	resp, err := c.Execute(ctx, "update_product", mutationProductUpdate, map[string]interface{}{
		"input": input,
	})
	if err != nil {
		return err
	}
	return mutationUserErrors(resp.Data, "productUpdate", "update_product")
}

// UpdateVariants replaces variant definitions (option values, prices,
// barcodes) on an existing product.
func (c *Client) UpdateVariants(ctx context.Context, remoteID string, rec feed.Record) error {
	resp, err := c.Execute(ctx, "update_variants", mutationVariantsBulkUpdate, map[string]interface{}{
		"productId": remoteID,
		"variants":  variantInputs(rec),
	})
	if err != nil {
		return err
	}
	return mutationUserErrors(resp.Data, "productVariantsBulkUpdate", "update_variants")
}

// UpdatePrice pushes only price fields, the targeted fast path for
// price-only changes.
func (c *Client) UpdatePrice(ctx context.Context, remoteID string, rec feed.Record) error {
	variants := make([]map[string]interface{}, 0, len(rec.Variants)+1)
	if len(rec.Variants) == 0 {
		variants = append(variants, map[string]interface{}{"price": rec.Price})
	}
	for _, v := range rec.Variants {
		price := v.Price
		if price == "" {
			price = rec.Price
		}
		variants = append(variants, map[string]interface{}{"sku": v.SKU, "price": price})
	}

	resp, err := c.Execute(ctx, "update_price", mutationVariantsBulkUpdate, map[string]interface{}{
		"productId": remoteID,
		"variants":  variants,
	})
	if err != nil {
		return err
	}
	return mutationUserErrors(resp.Data, "productVariantsBulkUpdate", "update_price")
}

// DeleteProduct deletes a product from the platform.
func (c *Client) DeleteProduct(ctx context.Context, remoteID string) error {
	resp, err := c.Execute(ctx, "delete_product", mutationProductDelete, map[string]interface{}{
		"input": map[string]interface{}{"id": remoteID},
	})
	if err != nil {
		return err
	}
	return mutationUserErrors(resp.Data, "productDelete", "delete_product")
}

// StagedTarget is an upload destination returned by the platform.
type StagedTarget struct {
	URL         string
	ResourceURL string
	Parameters  map[string]string
}

// StageUpload reserves an upload target for a media asset.
func (c *Client) StageUpload(ctx context.Context, filename, mimeType string, size int64) (*StagedTarget, error) {
	resp, err := c.Execute(ctx, "stage_upload", mutationStagedUploadsCreate, map[string]interface{}{
		"input": []map[string]interface{}{{
			"filename":   filename,
			"mimeType":   mimeType,
			"fileSize":   strconv.FormatInt(size, 10),
			"httpMethod": "POST",
			"resource":   stagedResource(mimeType),
		}},
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		StagedUploadsCreate struct {
			StagedTargets []struct {
				URL         string `json:"url"`
				ResourceURL string `json:"resourceUrl"`
				Parameters  []struct {
					Name  string `json:"name"`
					Value string `json:"value"`
				} `json:"parameters"`
			} `json:"stagedTargets"`
			UserErrors []userError `json:"userErrors"`
		} `json:"stagedUploadsCreate"`
	}
	if err := json.Unmarshal(resp.Data, &payload); err != nil {
		return nil, &TransientError{Op: "stage_upload", Err: fmt.Errorf("decode payload: %w", err)}
	}
	if len(payload.StagedUploadsCreate.UserErrors) > 0 {
		return nil, &PermanentError{Op: "stage_upload", Err: userErrorf(payload.StagedUploadsCreate.UserErrors)}
	}
	if len(payload.StagedUploadsCreate.StagedTargets) == 0 {
		return nil, &TransientError{Op: "stage_upload", Err: fmt.Errorf("no staged targets returned")}
	}

	t := payload.StagedUploadsCreate.StagedTargets[0]
	target := &StagedTarget{URL: t.URL, ResourceURL: t.ResourceURL, Parameters: make(map[string]string, len(t.Parameters))}
	for _, p := range t.Parameters {
		target.Parameters[p.Name] = p.Value
	}
	return target, nil
}

// UploadAsset posts asset bytes to a staged target. The target is object
// storage, not the Admin API, so this call does not consume rate budget.
func (c *Client) UploadAsset(ctx context.Context, target *StagedTarget, filename string, data []byte) error {
	var buf bytes.Buffer
	form, err := buildUploadForm(&buf, target, filename, data)
	if err != nil {
		return &PermanentError{Op: "upload_asset", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, &buf)
	if err != nil {
		return &PermanentError{Op: "upload_asset", Err: err}
	}
	req.Header.Set("Content-Type", form)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Op: "upload_asset", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return classifyStatus("upload_asset", resp.StatusCode, 0,
			fmt.Errorf("staged upload returned %d", resp.StatusCode))
	}
	return nil
}

// AttachMedia associates an uploaded asset with a product and returns the
// platform media ID. The media may still be PROCESSING afterward.
func (c *Client) AttachMedia(ctx context.Context, productID, resourceURL, alt string) (string, error) {
	resp, err := c.Execute(ctx, "attach_media", mutationProductCreateMedia, map[string]interface{}{
		"productId": productID,
		"media": []map[string]interface{}{{
			"originalSource":   resourceURL,
			"alt":              alt,
			"mediaContentType": "IMAGE",
		}},
	})
	if err != nil {
		return "", err
	}

	var payload struct {
		ProductCreateMedia struct {
			Media []struct {
				ID string `json:"id"`
			} `json:"media"`
			MediaUserErrors []userError `json:"mediaUserErrors"`
		} `json:"productCreateMedia"`
	}
	if err := json.Unmarshal(resp.Data, &payload); err != nil {
		return "", &TransientError{Op: "attach_media", Err: fmt.Errorf("decode payload: %w", err)}
	}
	if len(payload.ProductCreateMedia.MediaUserErrors) > 0 {
		return "", &PermanentError{Op: "attach_media", Err: userErrorf(payload.ProductCreateMedia.MediaUserErrors)}
	}
	if len(payload.ProductCreateMedia.Media) == 0 {
		return "", &TransientError{Op: "attach_media", Err: fmt.Errorf("no media returned")}
	}
	return payload.ProductCreateMedia.Media[0].ID, nil
}

// MediaProcessingStatus reports where an uploaded asset is in the platform's
// async processing pipeline.
type MediaProcessingStatus string

const (
	MediaReady      MediaProcessingStatus = "READY"
	MediaProcessing MediaProcessingStatus = "PROCESSING"
	MediaFailed     MediaProcessingStatus = "FAILED"
)

// MediaStatus returns the processing status of an attached media asset.
func (c *Client) MediaStatus(ctx context.Context, mediaID string) (MediaProcessingStatus, error) {
	resp, err := c.Execute(ctx, "media_status", queryMediaStatus, map[string]interface{}{
		"id": mediaID,
	})
	if err != nil {
		return "", err
	}

	var payload struct {
		Node struct {
			Status string `json:"status"`
		} `json:"node"`
	}
	if err := json.Unmarshal(resp.Data, &payload); err != nil {
		return "", &TransientError{Op: "media_status", Err: fmt.Errorf("decode payload: %w", err)}
	}

	switch payload.Node.Status {
	case "READY":
		return MediaReady, nil
	case "FAILED":
		return MediaFailed, nil
	default:
		return MediaProcessing, nil
	}
}

func (c *Client) acquire(ctx context.Context, n int) error {
	start := time.Now()
	if err := c.limiter.Acquire(ctx, n); err != nil {
		return &TransientError{Op: "rate_limit", Err: err}
	}
	if m := metrics.Get(); m != nil {
		m.RateLimitWaits.Observe(time.Since(start).Seconds())
	}
	return nil
}

func (c *Client) noteError(err error, retryAfter time.Duration) {
	if IsRateLimited(err) {
		c.limiter.OnThrottle(retryAfter)
		c.countRequest("rate_limited")
		if m := metrics.Get(); m != nil {
			m.EffectiveRate.Set(c.limiter.Rate())
		}
		return
	}
	if IsTransient(err) {
		c.countRequest("transient")
		return
	}
	c.countRequest("permanent")
}

func (c *Client) countRequest(result string) {
	if m := metrics.Get(); m != nil {
		m.APIRequests.WithLabelValues(result).Inc()
	}
}

func throttled(errs []GraphQLError) bool {
	for _, e := range errs {
		if code, ok := e.Extensions["code"].(string); ok && code == "THROTTLED" {
			return true
		}
	}
	return false
}

func userErrorf(errs []userError) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		if len(e.Field) > 0 {
			msgs[i] = fmt.Sprintf("%s: %s", strings.Join(e.Field, "."), e.Message)
		} else {
			msgs[i] = e.Message
		}
	}
	return fmt.Errorf("user errors: %s", strings.Join(msgs, "; "))
}

// mutationUserErrors unmarshals a mutation payload and converts any
// userErrors into a PermanentError.
func mutationUserErrors(data json.RawMessage, payloadKey, op string) error {
	var envelope map[string]struct {
		UserErrors []userError `json:"userErrors"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return &TransientError{Op: op, Err: fmt.Errorf("decode payload: %w", err)}
	}
	if payload, ok := envelope[payloadKey]; ok && len(payload.UserErrors) > 0 {
		return &PermanentError{Op: op, Err: userErrorf(payload.UserErrors)}
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func stagedResource(mimeType string) string {
	if mimeType == "application/pdf" {
		return "FILE"
	}
	return "IMAGE"
}
