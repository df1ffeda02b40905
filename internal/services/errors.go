package services

import "errors"

var (
	// ErrJoinFailed 加入聊天失败，仅回复给发起加入的连接
	ErrJoinFailed = errors.New("could not join chat")
	// ErrArchiveRejected 异步持久化队列已关闭
	ErrArchiveRejected = errors.New("message archive is closed")
)
