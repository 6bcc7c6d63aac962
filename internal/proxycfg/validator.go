package proxycfg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
)

// Descriptor 验证通过的代理描述符，构造后不可变
// 仅由 Parse 产生
type Descriptor struct {
	Scheme   string // "" / "http" / "https"
	Host     string
	Port     int
	Username string
	Password string
}

// Addr 返回 host:port 形式的地址
func (d *Descriptor) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// HasAuth 返回是否携带用户名密码
func (d *Descriptor) HasAuth() bool {
	return d.Username != ""
}

// String 重建规范化的描述符字符串
func (d *Descriptor) String() string {
	var sb strings.Builder
	if d.Scheme != "" {
		sb.WriteString(d.Scheme)
		sb.WriteString("://")
	}
	sb.WriteString(d.Addr())
	if d.HasAuth() {
		sb.WriteString(":")
		sb.WriteString(d.Username)
		sb.WriteString(":")
		sb.WriteString(d.Password)
	}
	return sb.String()
}

// InvalidFormatError 表示代理描述符格式非法
// 携带原始输入，不含任何部分解析结果
type InvalidFormatError struct {
	Raw    string
	Reason string
}

func (e *InvalidFormatError) Error() string {
	return fmt.Sprintf("代理格式非法: %s (%q)", e.Reason, e.Raw)
}

// IsInvalidFormat 检查错误是否为格式非法
func IsInvalidFormat(err error) bool {
	_, ok := err.(*InvalidFormatError)
	return ok
}

// 主机名只允许字母、数字、点和连字符
// 带方括号的 IPv6 字面量（如 [::1]:8080）不在允许范围内
var hostPattern = regexp2.MustCompile(`^[A-Za-z0-9.-]+$`, 0)

// Parse 解析并验证代理描述符字符串
// 接受的形式: host:port、scheme://host:port、host:port:username:password
// 任何违规都返回 *InvalidFormatError，无部分结果，无任何 I/O
func Parse(raw string) (*Descriptor, error) {
	rest := raw
	scheme := ""

	if idx := strings.Index(rest, "://"); idx >= 0 {
		prefix := strings.ToLower(rest[:idx])
		if prefix != "http" && prefix != "https" {
			return nil, &InvalidFormatError{Raw: raw, Reason: "不支持的代理协议 " + rest[:idx]}
		}
		scheme = prefix
		rest = rest[idx+len("://"):]
	}

	fields := strings.Split(rest, ":")
	if len(fields) != 2 && len(fields) != 4 {
		return nil, &InvalidFormatError{Raw: raw, Reason: fmt.Sprintf("字段数量应为 2 或 4，实际为 %d", len(fields))}
	}

	host := fields[0]
	if host == "" {
		return nil, &InvalidFormatError{Raw: raw, Reason: "主机名为空"}
	}
	if ok, _ := hostPattern.MatchString(host); !ok {
		return nil, &InvalidFormatError{Raw: raw, Reason: "主机名格式非法"}
	}

	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, &InvalidFormatError{Raw: raw, Reason: "端口不是整数"}
	}
	if port < 1 || port > 65535 {
		return nil, &InvalidFormatError{Raw: raw, Reason: fmt.Sprintf("端口 %d 超出 1-65535 范围", port)}
	}

	d := &Descriptor{
		Scheme: scheme,
		Host:   host,
		Port:   port,
	}
	if len(fields) == 4 {
		d.Username = fields[2]
		d.Password = fields[3]
	}

	return d, nil
}
