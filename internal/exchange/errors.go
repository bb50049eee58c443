package exchange

import (
	"errors"
	"fmt"

	"github.com/adshao/go-binance/v2/common"
)

// Kind 交易所错误分类
type Kind int

const (
	// KindTransient 网络超时、限频等：放弃本轮，下个 tick 自动重试
	KindTransient Kind = iota
	// KindRejected 订单被拒 (post-only 会吃单、订单不存在等)：属于预期结果
	KindRejected
	// KindFatal 鉴权失败等不可恢复错误
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Error 带分类的交易所错误
type Error struct {
	Kind Kind
	Op   string
	Code int64
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError 构造指定分类的错误
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf 返回 err 的分类；非 *Error 的错误按 transient 处理
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

func IsRejected(err error) bool  { return err != nil && KindOf(err) == KindRejected }
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }
func IsFatal(err error) bool     { return err != nil && KindOf(err) == KindFatal }

// Binance 错误码
const (
	codeDisconnected     = -1001
	codeTooManyRequests  = -1003
	codeTimeout          = -1007
	codeServerBusy       = -1008
	codeBadPrecision     = -1013
	codeInvalidSignature = -1022
	codeNewOrderRejected = -2010
	codeCancelRejected   = -2011
	codeNoSuchOrder      = -2013
	codeBadAPIKeyFormat  = -2014
	codeRejectedAPIKey   = -2015
	codeWouldTrigger     = -2021
	codeReduceOnlyReject = -2022
	codeReduceOnlyOrder  = -4131
	codePostOnlyRejected = -5022
)

// classify 把 go-binance 返回的错误映射为带分类的 *Error
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}

	if common.IsAPIError(err) {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			return &Error{Kind: kindForCode(apiErr.Code), Op: op, Code: apiErr.Code, Err: err}
		}
	}

	// 网络错误、超时及未知错误一律视为 transient
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func kindForCode(code int64) Kind {
	switch code {
	case codePostOnlyRejected, codeNewOrderRejected, codeWouldTrigger, codeReduceOnlyOrder,
		codeReduceOnlyReject, codeBadPrecision, codeCancelRejected, codeNoSuchOrder:
		return KindRejected
	case codeBadAPIKeyFormat, codeRejectedAPIKey, codeInvalidSignature:
		return KindFatal
	case codeDisconnected, codeTooManyRequests, codeTimeout, codeServerBusy:
		return KindTransient
	}
	return KindTransient
}
