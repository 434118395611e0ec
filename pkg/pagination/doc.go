// Package pagination implements the opaque cursors used by list methods.
//
// A server pages a sorted slice with Page and returns the cursor it yields as
// nextCursor:
//
//	tools, next, err := pagination.Page(all, params.Cursor, pagination.DefaultLimit)
//	if err != nil {
//	    // answer with InvalidParams
//	}
//	result := &protocol.ListToolsResult{Tools: tools, NextCursor: next}
//
// A client walks every page with a Collector:
//
//	var c pagination.Collector
//	for c.More() {
//	    page, err := fetch(ctx, c.Cursor())
//	    if err != nil {
//	        return err
//	    }
//	    c.Update(page.NextCursor)
//	}
//
// Cursors only encode a position, so a list that changes between calls may
// repeat or skip entries. An empty cursor always means the first page.
package pagination
