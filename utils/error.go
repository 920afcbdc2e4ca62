package utils

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrNotImplemented      = errors.New("not implemented")
	ErrNilParameter        = errors.New("nil parameter")
	ErrNilOrWrongParameter = errors.New("nil or wrong parameter")
	ErrWrongParameter      = errors.New("wrong parameter")
	ErrShortRead           = errors.New("short read")
	ErrInvalidData         = errors.New("invalid data")

	// ErrHandled 表示 错误已被内部处理完毕(比如已经回复并关闭了连接), 调用者只需返回即可.
	ErrHandled = errors.New("handled")
)

// NumErr 在同一个Prefix下用数字区分不同的出错位置.
type NumErr struct {
	N      int
	Prefix string
}

func (ne NumErr) Error() string {
	return ne.Prefix + strconv.Itoa(ne.N)
}

// ErrInErr 很适合一个err包含另一个err，并且提供附带数据的情况.
//
// 返回结构体而不是指针, 这样可以避免内存逃逸到堆.
type ErrInErr struct {
	ErrDesc   string
	ErrDetail error
	Data      any
}

func (e ErrInErr) Error() string {
	return e.String()
}

func (e ErrInErr) Unwrap() error {
	return e.ErrDetail
}

func (e ErrInErr) String() string {
	if e.Data != nil {
		if e.ErrDetail != nil {
			return fmt.Sprintf("%s : %s, Data: %v", e.ErrDesc, e.ErrDetail.Error(), e.Data)
		}
		return fmt.Sprintf("%s , Data: %v", e.ErrDesc, e.Data)
	}

	if e.ErrDetail != nil {
		return fmt.Sprintf("%s : %s", e.ErrDesc, e.ErrDetail.Error())
	}
	return e.ErrDesc
}
