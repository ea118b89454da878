// Package feed loads and validates the local source-of-truth product feed.
package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
)

// Record is one entry from the feed. Immutable once loaded into a run.
type Record struct {
	SKU             string      `json:"sku"`
	Title           string      `json:"title"`
	DescriptionHTML string      `json:"description_html,omitempty"`
	Vendor          string      `json:"vendor,omitempty"`
	ProductType     string      `json:"product_type,omitempty"`
	Tags            []string    `json:"tags,omitempty"`
	Price           string      `json:"price"`
	CompareAtPrice  string      `json:"compare_at_price,omitempty"`
	Options         []Option    `json:"options,omitempty"`
	Variants        []Variant   `json:"variants,omitempty"`
	Media           []MediaRef  `json:"media,omitempty"`

	// Local-only fields: persisted in the shadow store, never sent to the
	// platform and excluded from the content hash.
	Specifications json.RawMessage `json:"specifications,omitempty"`
	DealerPrice    string          `json:"dealer_price,omitempty"`
}

// Option defines a variant option axis (e.g. Size, Color).
type Option struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Variant is one sellable variant of a product.
type Variant struct {
	SKU          string   `json:"sku"`
	OptionValues []string `json:"option_values"`
	Price        string   `json:"price,omitempty"`
	Barcode      string   `json:"barcode,omitempty"`
}

// MediaRef points at a binary asset to upload and attach, in display order.
type MediaRef struct {
	URL      string `json:"url"`
	Alt      string `json:"alt,omitempty"`
	Position int    `json:"position,omitempty"`
}

// Feed is a validated, immutable snapshot of the source feed for one run.
type Feed struct {
	Records []Record
	// Hash is the feed-level content hash, used to decide whether a saved
	// checkpoint still applies on resume.
	Hash string
}

// hashable is the outbound subset of Record used for content hashing.
// Local-only fields stay out so a dealer price edit never forces a re-sync.
type hashable struct {
	SKU             string     `json:"sku"`
	Title           string     `json:"title"`
	DescriptionHTML string     `json:"description_html,omitempty"`
	Vendor          string     `json:"vendor,omitempty"`
	ProductType     string     `json:"product_type,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	Price           string     `json:"price"`
	CompareAtPrice  string     `json:"compare_at_price,omitempty"`
	Options         []Option   `json:"options,omitempty"`
	Variants        []Variant  `json:"variants,omitempty"`
	Media           []MediaRef `json:"media,omitempty"`
}

// Hash returns the content hash of the record's outbound fields,
// hex-encoded with a sha256: prefix.
func (r Record) Hash() string {
	data, _ := json.Marshal(hashable{
		SKU:             r.SKU,
		Title:           r.Title,
		DescriptionHTML: r.DescriptionHTML,
		Vendor:          r.Vendor,
		ProductType:     r.ProductType,
		Tags:            r.Tags,
		Price:           r.Price,
		CompareAtPrice:  r.CompareAtPrice,
		Options:         r.Options,
		Variants:        r.Variants,
		Media:           r.Media,
	})
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// PriceHash hashes only the price fields, letting the diff engine detect
// price-only changes.
func (r Record) PriceHash() string {
	prices := make([]string, 0, len(r.Variants)+2)
	prices = append(prices, r.Price, r.CompareAtPrice)
	for _, v := range r.Variants {
		prices = append(prices, v.Price)
	}
	return hashJSON(prices)
}

// MetaHash hashes descriptive attributes: title, description, vendor, type,
// tags, and option definitions.
func (r Record) MetaHash() string {
	return hashJSON(struct {
		Title           string   `json:"title"`
		DescriptionHTML string   `json:"description_html,omitempty"`
		Vendor          string   `json:"vendor,omitempty"`
		ProductType     string   `json:"product_type,omitempty"`
		Tags            []string `json:"tags,omitempty"`
		Options         []Option `json:"options,omitempty"`
	}{r.Title, r.DescriptionHTML, r.Vendor, r.ProductType, r.Tags, r.Options})
}

// VariantHash hashes the variant set minus prices (those belong to PriceHash).
func (r Record) VariantHash() string {
	vs := make([]Variant, len(r.Variants))
	copy(vs, r.Variants)
	for i := range vs {
		vs[i].Price = ""
	}
	return hashJSON(vs)
}

// MediaHash hashes the ordered media reference list.
func (r Record) MediaHash() string {
	return hashJSON(r.Media)
}

func hashJSON(v interface{}) string {
	data, _ := json.Marshal(v)
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ValidationError reports a malformed feed. The run must abort before any
// remote calls when one is returned.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("feed validation failed: %s", strings.Join(e.Problems, "; "))
}

// Load fetches, parses, and validates the feed document at the given URL.
// Supported schemes: file://, gs://, s3://, or a bare local path.
// Documents ending in .gz are decompressed transparently.
func Load(ctx context.Context, feedURL string) (*Feed, error) {
	rc, err := open(ctx, feedURL)
	if err != nil {
		return nil, fmt.Errorf("open feed %s: %w", feedURL, err)
	}
	defer rc.Close()

	var reader io.Reader = rc
	if strings.HasSuffix(feedURL, ".gz") {
		gz, err := gzip.NewReader(rc)
		if err != nil {
			return nil, fmt.Errorf("gunzip feed: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("malformed JSON: %v", err)}}
	}

	if err := Validate(records); err != nil {
		return nil, err
	}

	return &Feed{
		Records: records,
		Hash:    feedHash(records),
	}, nil
}

// Validate checks structural invariants of the feed records.
func Validate(records []Record) error {
	var problems []string
	seen := make(map[string]bool, len(records))

	if len(records) == 0 {
		problems = append(problems, "feed is empty")
	}

	for i, r := range records {
		if r.SKU == "" {
			problems = append(problems, fmt.Sprintf("record %d: missing sku", i))
			continue
		}
		if seen[r.SKU] {
			problems = append(problems, fmt.Sprintf("duplicate sku %s", r.SKU))
		}
		seen[r.SKU] = true

		if r.Title == "" {
			problems = append(problems, fmt.Sprintf("sku %s: missing title", r.SKU))
		}
		if r.Price == "" {
			problems = append(problems, fmt.Sprintf("sku %s: missing price", r.SKU))
		}
		for j, m := range r.Media {
			if m.URL == "" {
				problems = append(problems, fmt.Sprintf("sku %s: media %d has empty url", r.SKU, j))
			}
		}
		optionArity := len(r.Options)
		for _, v := range r.Variants {
			if optionArity > 0 && len(v.OptionValues) != optionArity {
				problems = append(problems,
					fmt.Sprintf("sku %s: variant %s has %d option values, product defines %d options",
						r.SKU, v.SKU, len(v.OptionValues), optionArity))
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// feedHash computes the feed-level hash over all record hashes in order.
func feedHash(records []Record) string {
	h := sha256.New()
	for _, r := range records {
		io.WriteString(h, r.Hash())
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// open returns a reader for the feed document. Blob-backed schemes go
// through gocloud; everything else is treated as a local path.
func open(ctx context.Context, feedURL string) (io.ReadCloser, error) {
	u, err := url.Parse(feedURL)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		path := feedURL
		if u != nil && u.Scheme == "file" {
			path = u.Path
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	bucket, err := blob.OpenBucket(ctx, fmt.Sprintf("%s://%s", u.Scheme, u.Host))
	if err != nil {
		return nil, fmt.Errorf("open bucket %s://%s: %w", u.Scheme, u.Host, err)
	}

	key := strings.TrimPrefix(u.Path, "/")
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		bucket.Close()
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}

	return &bucketReader{Reader: r, bucket: bucket}, nil
}

// bucketReader closes the bucket together with the object reader.
type bucketReader struct {
	*blob.Reader
	bucket *blob.Bucket
}

func (b *bucketReader) Close() error {
	err := b.Reader.Close()
	if cerr := b.bucket.Close(); err == nil {
		err = cerr
	}
	return err
}
