// Package storage archives rendered reports to a blob store.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

// ReportContentType is the content type of archived reports.
const ReportContentType = "text/plain; charset=utf-8"

// ReportPath names the object for a report taken at t, partitioned by day.
func ReportPath(prefix string, t time.Time) string {
	t = t.UTC()
	name := fmt.Sprintf("report-%s.txt", t.Format("20060102T150405Z"))
	return path.Join(strings.Trim(prefix, "/"), t.Format("2006/01/02"), name)
}

// Archive writes report under prefix and returns the object URI.
func Archive(ctx context.Context, store scrape.BlobStore, prefix string, t time.Time, report []byte) (string, error) {
	if store == nil {
		return "", fmt.Errorf("no report store configured")
	}
	uri, err := store.PutObject(ctx, ReportPath(prefix, t), ReportContentType, report)
	if err != nil {
		return "", fmt.Errorf("archive report: %w", err)
	}
	return uri, nil
}
