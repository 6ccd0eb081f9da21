package handlers

import (
	"log"

	"pollbot-backend/config"
	"pollbot-backend/directory"
	"pollbot-backend/dispatch"
	"pollbot-backend/mq"
	"pollbot-backend/voting"
)

// 处理程序持有的全局依赖，由main在启动时注入
var (
	engine     *voting.Engine
	recipients *directory.Directory
	dispatcher *dispatch.Dispatcher
	mqAdapter  *mq.Adapter
	cfg        *config.Config
)

// Init 初始化处理程序，设置依赖引用
func Init(e *voting.Engine, d *directory.Directory, dp *dispatch.Dispatcher, adapter *mq.Adapter, c *config.Config) {
	engine = e
	recipients = d
	dispatcher = dp
	mqAdapter = adapter
	cfg = c
	log.Println("处理程序依赖已设置")
}
