package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jafarshop/catalog-sync/internal/feed"
	"github.com/jafarshop/catalog-sync/internal/ratelimit"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *ratelimit.Limiter) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	lim := ratelimit.New(ratelimit.Config{RequestsPerSecond: 1000, MinRatePerSecond: 1, Burst: 100})
	c := NewClient(Config{
		ShopDomain:  srv.URL,
		AccessToken: "shpat_test",
		APIVersion:  "2024-10",
	}, lim)
	return c, lim
}

func gqlOK(t *testing.T, w http.ResponseWriter, data string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"data": %s}`, data)
}

func TestExecuteSendsTokenHeader(t *testing.T) {
	var gotToken string
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Shopify-Access-Token")
		gqlOK(t, w, `{"shop": {"name": "jafarshop"}}`)
	})

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "shpat_test", gotToken)
}

func TestExecuteClassifiesHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusTooManyRequests, IsRateLimited},
		{http.StatusInternalServerError, IsTransient},
		{http.StatusBadGateway, IsTransient},
		{http.StatusUnprocessableEntity, IsPermanent},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})
			_, err := c.Execute(context.Background(), "test", "query { shop { name } }", nil)
			require.Error(t, err)
			assert.True(t, tc.check(err), "status %d misclassified: %v", tc.status, err)
		})
	}
}

func TestExecuteThrottleShrinksRate(t *testing.T) {
	// GraphQL-level throttles arrive with HTTP 200.
	c, lim := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"errors": [{"message": "Throttled", "extensions": {"code": "THROTTLED"}}]}`)
	})

	before := lim.Rate()
	_, err := c.Execute(context.Background(), "test", "mutation { x }", nil)
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.Less(t, lim.Rate(), before, "throttle must shrink the adaptive rate")
}

func TestExecuteRetryAfterParsed(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2.5")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Execute(context.Background(), "test", "query { shop { name } }", nil)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 2500, int(rl.RetryAfter.Milliseconds()))
}

func TestFetchCatalogSnapshotPaginates(t *testing.T) {
	page := 0
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		page++
		if page == 1 {
			gqlOK(t, w, `{"products": {"edges": [
				{"cursor": "c1", "node": {"id": "gid://1", "title": "A", "updatedAt": "2026-08-01T00:00:00Z",
					"variants": {"edges": [{"node": {"sku": "A-1"}}]}}}
			], "pageInfo": {"hasNextPage": true}}}`)
			return
		}
		gqlOK(t, w, `{"products": {"edges": [
			{"cursor": "c2", "node": {"id": "gid://2", "title": "B", "updatedAt": "2026-08-02T00:00:00Z",
				"variants": {"edges": [{"node": {"sku": "B-1"}}]}}}
		], "pageInfo": {"hasNextPage": false}}}`)
	})

	entities, err := c.FetchCatalogSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, 2, page)
	assert.Equal(t, "A-1", entities[0].SKU)
	assert.Equal(t, "gid://2", entities[1].RemoteID)
}

func TestCreateProduct(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req GraphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		input := req.Variables["input"].(map[string]interface{})
		assert.Equal(t, "Impact Driver", input["title"])
		gqlOK(t, w, `{"productCreate": {"product": {"id": "gid://new"}, "userErrors": []}}`)
	})

	id, err := c.CreateProduct(context.Background(), feed.Record{SKU: "X-100", Title: "Impact Driver", Price: "129.00"})
	require.NoError(t, err)
	assert.Equal(t, "gid://new", id)
}

func TestCreateProductUserErrorsArePermanent(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gqlOK(t, w, `{"productCreate": {"product": null, "userErrors": [{"field": ["title"], "message": "can't be blank"}]}}`)
	})

	_, err := c.CreateProduct(context.Background(), feed.Record{SKU: "X-100", Price: "1.00"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "title")
}

func TestCreateProductsBulkPartialFailure(t *testing.T) {
	requests := 0
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		var req GraphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Query, "create0:")
		assert.Contains(t, req.Query, "create1:")
		gqlOK(t, w, `{
			"create0": {"product": {"id": "gid://a"}, "userErrors": []},
			"create1": {"product": null, "userErrors": [{"field": ["price"], "message": "invalid"}]}
		}`)
	})

	ids, itemErrs, err := c.CreateProductsBulk(context.Background(), []feed.Record{
		{SKU: "A", Title: "A", Price: "1.00"},
		{SKU: "B", Title: "B", Price: "oops"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, requests, "bulk create must cost one request")
	assert.Equal(t, "gid://a", ids["A"])
	require.Contains(t, itemErrs, "B")
	assert.True(t, IsPermanent(itemErrs["B"]))
}

func TestUpdatePriceSendsOnlyPrices(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req GraphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		variants := req.Variables["variants"].([]interface{})
		require.Len(t, variants, 1)
		v := variants[0].(map[string]interface{})
		assert.Equal(t, "139.00", v["price"])
		assert.NotContains(t, v, "barcode")
		gqlOK(t, w, `{"productVariantsBulkUpdate": {"productVariants": [], "userErrors": []}}`)
	})

	err := c.UpdatePrice(context.Background(), "gid://1", feed.Record{
		SKU: "X-100", Title: "Impact Driver", Price: "139.00",
		Variants: []feed.Variant{{SKU: "X-100-12", Price: "139.00", Barcode: "123"}},
	})
	require.NoError(t, err)
}

func TestStageUploadAndUploadAsset(t *testing.T) {
	var uploaded *multipart.Form
	assetSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		require.NoError(t, err)
		reader := multipart.NewReader(r.Body, params["boundary"])
		form, err := reader.ReadForm(1 << 20)
		require.NoError(t, err)
		uploaded = form
		w.WriteHeader(http.StatusCreated)
	}))
	defer assetSrv.Close()

	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gqlOK(t, w, fmt.Sprintf(`{"stagedUploadsCreate": {
			"stagedTargets": [{
				"url": %q,
				"resourceUrl": "https://cdn.platform/resource/1",
				"parameters": [{"name": "key", "value": "tmp/x100.jpg"}]
			}],
			"userErrors": []
		}}`, assetSrv.URL))
	})

	target, err := c.StageUpload(context.Background(), "x100.jpg", "image/jpeg", 3)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.platform/resource/1", target.ResourceURL)
	assert.Equal(t, "tmp/x100.jpg", target.Parameters["key"])

	require.NoError(t, c.UploadAsset(context.Background(), target, "x100.jpg", []byte("jpg")))
	require.NotNil(t, uploaded)
	assert.Equal(t, []string{"tmp/x100.jpg"}, uploaded.Value["key"])
	require.Len(t, uploaded.File["file"], 1)
	assert.Equal(t, "x100.jpg", uploaded.File["file"][0].Filename)
}

func TestMediaStatusMapping(t *testing.T) {
	cases := map[string]MediaProcessingStatus{
		"READY":      MediaReady,
		"FAILED":     MediaFailed,
		"PROCESSING": MediaProcessing,
		"UPLOADED":   MediaProcessing,
	}

	for raw, want := range cases {
		t.Run(raw, func(t *testing.T) {
			c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				gqlOK(t, w, fmt.Sprintf(`{"node": {"status": %q}}`, raw))
			})
			status, err := c.MediaStatus(context.Background(), "gid://media/1")
			require.NoError(t, err)
			assert.Equal(t, want, status)
		})
	}
}

func TestDeleteProductUserError(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req GraphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, strings.Contains(req.Query, "productDelete"))
		gqlOK(t, w, `{"productDelete": {"deletedProductId": null, "userErrors": [{"field": ["id"], "message": "not found"}]}}`)
	})

	err := c.DeleteProduct(context.Background(), "gid://gone")
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
