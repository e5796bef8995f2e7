// Package money は金額の10進数演算を提供する。
// 浮動小数点の丸め誤差を避けるため、apdの任意精度10進数で計算し、
// 表示時のみ小数点以下2桁に丸める。
package money

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/cockroachdb/apd/v3"
)

// displayExponent は表示時の指数（小数点以下2桁）。
const displayExponent = -2

// arith は金額計算に使うapdコンテキスト。
var arith = func() *apd.Context {
	c := apd.BaseContext.WithPrecision(34)
	c.Rounding = apd.RoundHalfUp
	return c
}()

// Amount は金額を表す。ゼロ値は0円として扱える。
// 演算結果は常に新しいAmountとして返し、レシーバを変更しない。
type Amount struct {
	d apd.Decimal
}

// New は係数と指数からAmountを生成する。New(1999, -2) は 19.99 を表す。
func New(coeff int64, exponent int32) Amount {
	var a Amount
	a.d.Set(apd.New(coeff, exponent))
	return a
}

// Parse は10進数文字列をAmountに変換する。
func Parse(s string) (Amount, error) {
	var a Amount
	if _, _, err := a.d.SetString(s); err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if a.d.Form != apd.Finite {
		return Amount{}, fmt.Errorf("invalid amount %q: not a finite number", s)
	}
	return a, nil
}

// MustParse はParseの失敗時にpanicする。テストと定数定義用。
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Add はa+bを返す。
func (a Amount) Add(b Amount) Amount {
	var r Amount
	if _, err := arith.Add(&r.d, &a.d, &b.d); err != nil {
		panic(fmt.Sprintf("money: add: %v", err))
	}
	return r
}

// MulInt はa×nを返す。数量との掛け算に使う。
func (a Amount) MulInt(n int) Amount {
	var r Amount
	if _, err := arith.Mul(&r.d, &a.d, apd.New(int64(n), 0)); err != nil {
		panic(fmt.Sprintf("money: mul: %v", err))
	}
	return r
}

// Cmp はaとbを比較し、-1, 0, 1 を返す。
func (a Amount) Cmp(b Amount) int {
	return a.d.Cmp(&b.d)
}

// IsZero は金額が0かを返す。
func (a Amount) IsZero() bool {
	return a.d.IsZero()
}

// String は小数点以下2桁（四捨五入）の文字列を返す。例: "20.00"
func (a Amount) String() string {
	var q apd.Decimal
	if _, err := arith.Quantize(&q, &a.d, displayExponent); err != nil {
		return a.d.Text('f')
	}
	return q.Text('f')
}

// Dollars は "$20.00" 形式の表示文字列を返す。
func (a Amount) Dollars() string {
	return "$" + a.String()
}

// MarshalJSON はJSON数値として出力する。
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.d.Text('f')), nil
}

// UnmarshalJSON はJSON数値・数値文字列の両方を受け付ける。
// nullは0として扱う。
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*a = Amount{}
		return nil
	}

	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("invalid amount %s: %w", s, err)
		}
		s = unq
	}

	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	a.d.Set(&parsed.d)
	return nil
}

// Sum は金額の合計を返す。空の場合は0。
func Sum(amounts ...Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
