package db

import (
	"context"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
)

func TestClassify_PostgresClasses(t *testing.T) {
	tests := []struct {
		name string
		code pq.ErrorCode
		want error
	}{
		{"connection exception", "08006", ErrConnection},
		{"insufficient resources", "53300", ErrConnection},
		{"unique violation", "23505", ErrConstraint},
		{"foreign key violation", "23503", ErrConstraint},
		{"syntax error", "42601", ErrStatement},
		{"undefined table", "42P01", ErrStatement},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(&pq.Error{Code: tt.code})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClassify_SQLiteCodes(t *testing.T) {
	tests := []struct {
		name string
		code sqlite3.ErrNo
		want error
	}{
		{"busy", sqlite3.ErrBusy, ErrConnection},
		{"cannot open", sqlite3.ErrCantOpen, ErrConnection},
		{"constraint", sqlite3.ErrConstraint, ErrConstraint},
		{"sql error", sqlite3.ErrError, ErrStatement},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(sqlite3.Error{Code: tt.code})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClassify_KeepsCause(t *testing.T) {
	cause := &pq.Error{Code: "23505", Message: "duplicate key"}
	err := Classify(cause)

	assert.ErrorIs(t, err, ErrConstraint)

	var pqErr *pq.Error
	assert.True(t, errors.As(err, &pqErr))
	assert.Equal(t, "duplicate key", pqErr.Message)
}

func TestClassify_PassesThroughUnknown(t *testing.T) {
	plain := errors.New("something else")
	assert.Equal(t, plain, Classify(plain))
	assert.NoError(t, Classify(nil))
}

func TestClassify_ContextErrorsNotClassified(t *testing.T) {
	assert.Equal(t, context.Canceled, Classify(context.Canceled))
	assert.False(t, IsRetryable(Classify(context.DeadlineExceeded)))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Classify(&pq.Error{Code: "08001"})))
	assert.False(t, IsRetryable(Classify(&pq.Error{Code: "23505"})))
	assert.False(t, IsRetryable(nil))
}
