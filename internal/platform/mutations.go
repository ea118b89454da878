package platform

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"strings"

	"github.com/jafarshop/catalog-sync/internal/feed"
)

// mutationProductCreate creates a product with options and variants.
const mutationProductCreate = `
mutation productCreate($input: ProductInput!) {
  productCreate(input: $input) {
    product {
      id
    }
    userErrors {
      field
      message
    }
  }
}
`

// mutationProductUpdate updates product attributes.
const mutationProductUpdate = `
mutation productUpdate($input: ProductInput!) {
  productUpdate(input: $input) {
    product {
      id
    }
    userErrors {
      field
      message
    }
  }
}
`

// mutationProductDelete removes a product.
const mutationProductDelete = `
mutation productDelete($input: ProductDeleteInput!) {
  productDelete(input: $input) {
    deletedProductId
    userErrors {
      field
      message
    }
  }
}
`

// mutationVariantsBulkUpdate updates variant prices and option values.
const mutationVariantsBulkUpdate = `
mutation productVariantsBulkUpdate($productId: ID!, $variants: [ProductVariantsBulkInput!]!) {
  productVariantsBulkUpdate(productId: $productId, variants: $variants) {
    productVariants {
      id
    }
    userErrors {
      field
      message
    }
  }
}
`

// mutationStagedUploadsCreate reserves upload targets for media assets.
const mutationStagedUploadsCreate = `
mutation stagedUploadsCreate($input: [StagedUploadInput!]!) {
  stagedUploadsCreate(input: $input) {
    stagedTargets {
      url
      resourceUrl
      parameters {
        name
        value
      }
    }
    userErrors {
      field
      message
    }
  }
}
`

// mutationProductCreateMedia attaches uploaded assets to a product.
const mutationProductCreateMedia = `
mutation productCreateMedia($productId: ID!, $media: [CreateMediaInput!]!) {
  productCreateMedia(productId: $productId, media: $media) {
    media {
      id
    }
    mediaUserErrors {
      field
      message
    }
  }
}
`

// productInput converts a feed record into a ProductInput map.
// Local-only fields (specifications, dealer price) are deliberately absent.
func productInput(rec feed.Record) map[string]interface{} {
	input := map[string]interface{}{
		"title": rec.Title,
	}
	if rec.DescriptionHTML != "" {
		input["descriptionHtml"] = rec.DescriptionHTML
	}
	if rec.Vendor != "" {
		input["vendor"] = rec.Vendor
	}
	if rec.ProductType != "" {
		input["productType"] = rec.ProductType
	}
	if len(rec.Tags) > 0 {
		input["tags"] = rec.Tags
	}
	if len(rec.Options) > 0 {
		names := make([]string, len(rec.Options))
		for i, o := range rec.Options {
			names[i] = o.Name
		}
		input["options"] = names
	}
	if vs := variantInputs(rec); len(vs) > 0 {
		input["variants"] = vs
	}
	return input
}

// variantInputs builds the variant input list. A product with no explicit
// variants gets a single default variant carrying the product SKU and price.
func variantInputs(rec feed.Record) []map[string]interface{} {
	if len(rec.Variants) == 0 {
		return []map[string]interface{}{{
			"sku":   rec.SKU,
			"price": rec.Price,
		}}
	}

	out := make([]map[string]interface{}, 0, len(rec.Variants))
	for _, v := range rec.Variants {
		price := v.Price
		if price == "" {
			price = rec.Price
		}
		in := map[string]interface{}{
			"sku":   v.SKU,
			"price": price,
		}
		if len(v.OptionValues) > 0 {
			in["options"] = v.OptionValues
		}
		if v.Barcode != "" {
			in["barcode"] = v.Barcode
		}
		out = append(out, in)
	}
	return out
}

// bulkAlias names the i-th aliased mutation in a bulk create document.
func bulkAlias(i int) string {
	return fmt.Sprintf("create%d", i)
}

// buildBulkCreate assembles a single document of aliased productCreate
// mutations so a batch of creates costs one request.
func buildBulkCreate(recs []feed.Record) (string, map[string]interface{}) {
	var decls, calls []string
	vars := make(map[string]interface{}, len(recs))

	for i, rec := range recs {
		varName := fmt.Sprintf("input%d", i)
		decls = append(decls, fmt.Sprintf("$%s: ProductInput!", varName))
		calls = append(calls, fmt.Sprintf(`  %s: productCreate(input: $%s) {
    product {
      id
    }
    userErrors {
      field
      message
    }
  }`, bulkAlias(i), varName))
		vars[varName] = productInput(rec)
	}

	query := fmt.Sprintf("mutation bulkProductCreate(%s) {\n%s\n}",
		strings.Join(decls, ", "), strings.Join(calls, "\n"))
	return query, vars
}

// buildUploadForm writes the staged-upload multipart body into buf and
// returns the form content type. Target parameters must precede the file part.
func buildUploadForm(buf *bytes.Buffer, target *StagedTarget, filename string, data []byte) (string, error) {
	w := multipart.NewWriter(buf)
	for name, value := range target.Parameters {
		if err := w.WriteField(name, value); err != nil {
			return "", fmt.Errorf("write field %s: %w", name, err)
		}
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}
	return w.FormDataContentType(), nil
}
