/**
 * WaitCursor 主入口文件
 *
 * 启动 Wails 应用：
 * 1. 创建 App 实例（配置、平台后端、状态监控器）
 * 2. 绑定导出方法供前端调用
 * 3. 在关闭钩子中释放监控器，保证光标被恢复
 */

package main

import (
	"context"
	"embed"
	"log"

	"github.com/chenyang-zz/waitcursor/internal/app"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
)

//go:embed all:frontend/dist
var assets embed.FS

func main() {
	waitCursorApp := app.New()

	err := wails.Run(&options.App{
		// 窗口标题，默认配置下监控器按此标题找到自身窗口
		Title:  "WaitCursor",
		Width:  480,
		Height: 360,

		BackgroundColour: &options.RGBA{R: 255, G: 255, B: 255, A: 255},

		AssetServer: &assetserver.Options{
			Assets: assets,
		},

		Bind: []interface{}{
			waitCursorApp,
		},

		OnStartup: func(ctx context.Context) {
			if err := waitCursorApp.Startup(ctx); err != nil {
				log.Fatalf("Failed to startup: %v", err)
			}
		},

		/**
		 * OnDomReady 主窗口已创建，可以按标题解析目标窗口
		 */
		OnDomReady: waitCursorApp.DomReady,

		/**
		 * OnShutdown 释放监控器并关闭历史存储
		 */
		OnShutdown: func(ctx context.Context) {
			waitCursorApp.Shutdown()
		},
	})

	if err != nil {
		log.Fatalf("Error: %s", err.Error())
	}
}
