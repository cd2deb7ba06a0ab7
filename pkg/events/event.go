/**
 * Package events 提供事件系统的核心类型定义
 *
 * 监控器通过事件总线对外报告状态变化：
 * - 忙碌区间开始 / 结束
 * - 监控器启动 / 停止 / 释放
 * - 前端和历史记录器订阅这些事件
 */

package events

import (
	"time"

	"github.com/google/uuid"
)

/**
 * EventType 事件类型枚举
 */
type EventType string

/**
 * 所有事件类型常量
 */
const (
	// 监控事件
	EventTypeBusy EventType = "busy" // 目标应用进入忙碌状态，光标已切换
	EventTypeIdle EventType = "idle" // 目标应用恢复响应，光标已恢复

	// 系统事件
	EventTypeError  EventType = "error"  // 错误事件
	EventTypeStatus EventType = "status" // 状态事件
)

/**
 * Event 统一事件结构
 */
type Event struct {
	// ID 事件唯一标识符
	ID string `json:"id"`

	// Type 事件类型
	Type EventType `json:"type"`

	// Timestamp 事件发生时间
	Timestamp time.Time `json:"timestamp"`

	// Data 事件数据（类型特定的数据）
	Data map[string]interface{} `json:"data"`

	// Metadata 事件元数据（可选的额外信息）
	Metadata map[string]string `json:"metadata,omitempty"`
}

/**
 * NewEvent 创建新事件
 *
 * Parameters:
 *   - eventType: 事件类型
 *   - data: 事件数据
 *
 * Returns:
 *   - *Event: 新创建的事件
 */
func NewEvent(eventType EventType, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Metadata:  make(map[string]string),
	}
}

/**
 * WithMetadata 添加元数据
 *
 * Returns:
 *   - *Event: 返回自身，支持链式调用
 */
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

/**
 * BusyIntervalData 忙碌区间数据
 *
 * 随 idle 事件发布，描述一次完整的 光标切换 → 等待 → 恢复 过程
 */
type BusyIntervalData struct {
	Target   uint64        `json:"target"`   // 目标窗口句柄
	Start    time.Time     `json:"start"`    // 光标切换为忙碌的时间
	End      time.Time     `json:"end"`      // 光标恢复的时间
	Duration time.Duration `json:"duration"` // 区间时长
}

/**
 * ToMap 转换为事件数据
 */
func (d BusyIntervalData) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"target":      d.Target,
		"start":       d.Start,
		"end":         d.End,
		"duration_ms": d.Duration.Milliseconds(),
	}
}

/**
 * BusyIntervalFromEvent 从 idle 事件中还原忙碌区间
 *
 * Returns:
 *   - BusyIntervalData: 区间数据
 *   - bool: 事件数据不完整时返回 false
 */
func BusyIntervalFromEvent(event Event) (BusyIntervalData, bool) {
	target, ok1 := event.Data["target"].(uint64)
	start, ok2 := event.Data["start"].(time.Time)
	end, ok3 := event.Data["end"].(time.Time)
	durationMs, ok4 := event.Data["duration_ms"].(int64)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return BusyIntervalData{}, false
	}

	return BusyIntervalData{
		Target:   target,
		Start:    start,
		End:      end,
		Duration: time.Duration(durationMs) * time.Millisecond,
	}, true
}
