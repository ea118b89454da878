package platform

// queryShop is the startup reachability/credential check.
const queryShop = `
query shopPing {
  shop {
    name
  }
}
`

// queryProductsPage fetches one page of the remote catalog snapshot.
const queryProductsPage = `
query getProducts($first: Int!, $after: String) {
  products(first: $first, after: $after) {
    pageInfo {
      hasNextPage
    }
    edges {
      cursor
      node {
        id
        title
        updatedAt
        variants(first: 1) {
          edges {
            node {
              sku
            }
          }
        }
      }
    }
  }
}
`

// queryMediaStatus checks async processing of an attached media asset.
const queryMediaStatus = `
query mediaStatus($id: ID!) {
  node(id: $id) {
    ... on MediaImage {
      status
    }
  }
}
`
