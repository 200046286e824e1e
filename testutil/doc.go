// Package testutil provides shared helpers and mocks for conductor tests.
package testutil
