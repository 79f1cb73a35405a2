// Package pagination retrieves a paginated dataset one page at a time.
//
// Pages are requested strictly in offset order with a fixed page size,
// starting at offset 0. A page with fewer records than the page size (or
// none) is the last one. Only one request is in flight at any time, which
// bounds memory and keeps records in offset order.
//
// Example usage:
//
//	fetcher := pagination.NewFetcher(apiClient, pagination.DefaultConfig())
//	result, err := fetcher.FetchAll(ctx, func(p pagination.Page) []dataset.Record {
//		records, _ := dataset.Normalize(normalizer, p.Items)
//		return records
//	})
//
// The fetcher:
//   - Retries a failing page with exponential backoff (3 attempts by default)
//   - Returns a *TerminalError with all earlier records once a page gives up
//   - Treats cancellation as a normal end and returns the partial result
//   - Cancels and waits for a running fetch before starting a new one
package pagination
