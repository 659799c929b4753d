package main

import (
	"errors"
	"testing"
)

func TestDrainErrorsKeepsAll(t *testing.T) {
	errWallet := errors.New("资金拉取失败")
	errPos := errors.New("持仓拉取失败")
	ch := make(chan error, 2)
	ch <- errWallet
	ch <- errPos

	err := drainErrors(ch)
	if err == nil {
		t.Fatal("有失败时应返回错误")
	}
	if !errors.Is(err, errWallet) || !errors.Is(err, errPos) {
		t.Errorf("两个并发步骤都失败时一个也不能丢, 得到 %v", err)
	}
}

func TestDrainErrorsEmpty(t *testing.T) {
	ch := make(chan error, 2)
	if err := drainErrors(ch); err != nil {
		t.Errorf("无错误时应返回 nil, 得到 %v", err)
	}
}
