package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"gridbot-orchestrator/internal/models"
)

// 编辑器保存时往往触发多次事件, 合并为一次
const reloadDebounce = 200 * time.Millisecond

// BotsWatcher reloads the bots file on change and hands valid definitions to onChange.
// An invalid file is logged and ignored; the previous registry stays in effect.
type BotsWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func([]models.BotDefinition) error
	logger   *zap.Logger
}

// NewBotsWatcher 创建机器人定义文件监控器
func NewBotsWatcher(path string, onChange func([]models.BotDefinition) error, logger *zap.Logger) (*BotsWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}
	// 监控目录而不是文件, 以兼容先删除再重建的保存方式
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("添加监控目录失败: %w", err)
	}
	return &BotsWatcher{
		path:     abs,
		watcher:  w,
		onChange: onChange,
		logger:   logger,
	}, nil
}

// Run blocks until ctx is cancelled.
func (bw *BotsWatcher) Run(ctx context.Context) {
	defer bw.watcher.Close()

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-bw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != bw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(reloadDebounce)
			}

		case err, ok := <-bw.watcher.Errors:
			if !ok {
				return
			}
			bw.logger.Warn("文件监控错误", zap.Error(err))

		case <-timer.C:
			bw.reload()
		}
	}
}

func (bw *BotsWatcher) reload() {
	defs, err := LoadBots(bw.path)
	if err != nil {
		bw.logger.Error("重新加载机器人定义失败, 保留当前配置", zap.String("path", bw.path), zap.Error(err))
		return
	}
	if err := bw.onChange(defs); err != nil {
		bw.logger.Error("同步机器人定义失败", zap.Error(err))
		return
	}
	bw.logger.Info("机器人定义已重新加载", zap.Int("bots", len(defs)))
}
