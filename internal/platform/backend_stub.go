//go:build !windows && !linux

package platform

// NewBackend 创建平台后端（不支持的平台）
//
// Returns: error - 始终返回 ErrUnsupported，调用方应降级为不启动监控
func NewBackend() (Backend, error) {
	return nil, ErrUnsupported
}
