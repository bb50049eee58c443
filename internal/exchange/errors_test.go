package exchange

import (
	"errors"
	"fmt"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
)

func TestClassifyBinanceCodes(t *testing.T) {
	cases := []struct {
		code int64
		want Kind
	}{
		{codePostOnlyRejected, KindRejected},
		{codeNoSuchOrder, KindRejected},
		{codeReduceOnlyReject, KindRejected},
		{codeRejectedAPIKey, KindFatal},
		{codeInvalidSignature, KindFatal},
		{codeTooManyRequests, KindTransient},
		{-9999, KindTransient},
	}
	for _, c := range cases {
		t.Run(fmt.Sprint(c.code), func(t *testing.T) {
			err := classify("op", &common.APIError{Code: c.code, Message: "x"})
			assert.Equal(t, c.want, KindOf(err))

			var e *Error
			if assert.True(t, errors.As(err, &e)) {
				assert.Equal(t, c.code, e.Code)
				assert.Equal(t, "op", e.Op)
			}
		})
	}
}

func TestClassifyPlainErrorIsTransient(t *testing.T) {
	assert.Nil(t, classify("op", nil))
	assert.True(t, IsTransient(classify("op", errors.New("connection reset"))))
	assert.False(t, IsRejected(nil))

	wrapped := fmt.Errorf("outer: %w", NewError(KindFatal, "op", errors.New("auth")))
	assert.True(t, IsFatal(wrapped))
	assert.True(t, IsFatal(classify("other", wrapped)))
}
