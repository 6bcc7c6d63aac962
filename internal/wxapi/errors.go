package wxapi

import "fmt"

// APIError 表示远端理解了请求但拒绝执行（业务拒绝）
// 与网络/解码层面的传输错误严格区分
type APIError struct {
	Code    int    // 远端业务错误码
	Message string // 远端返回的描述
}

func (e *APIError) Error() string {
	return fmt.Sprintf("远端业务拒绝 [%d]: %s", e.Code, e.Message)
}

// IsAPIError 检查错误是否为远端业务拒绝
func IsAPIError(err error) bool {
	_, ok := err.(*APIError)
	return ok
}
