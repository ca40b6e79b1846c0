package service

import "testing"

// SetReportPage shrinks the report paging size for the duration of a test.
func SetReportPage(t *testing.T, n int) {
	old := reportPage
	reportPage = n
	t.Cleanup(func() { reportPage = old })
}
