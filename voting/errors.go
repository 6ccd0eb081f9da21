package voting

import "errors"

// 业务错误定义
var (
	ErrInvalidPoll    = errors.New("invalid poll definition")
	ErrPollNotFound   = errors.New("poll not found")
	ErrPollClosed     = errors.New("poll is closed")
	ErrOptionNotFound = errors.New("option not found")
)
