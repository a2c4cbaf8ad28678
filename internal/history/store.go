// internal/history/store.go
package history

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"

	"github.com/Corphon/Formamorph/internal/models"
)

// MessagesPerPage 每页一问一答
const MessagesPerPage = 2

// Store 完整的对话历史。不是并发安全的，由会话锁保护。
type Store struct {
	messages    []models.Message
	currentPage int
}

// NewStore 从已有消息创建
func NewStore(messages []models.Message) *Store {
	s := &Store{messages: append([]models.Message(nil), messages...)}
	s.currentPage = s.PageCount()
	return s
}

// Append 追加消息并跳到最后一页
func (s *Store) Append(role, content string) {
	s.messages = append(s.messages, models.Message{Role: role, Content: content})
	s.currentPage = s.PageCount()
}

// ReplaceLastAssistant 替换末尾的助手消息，没有则追加
func (s *Store) ReplaceLastAssistant(content string) {
	if n := len(s.messages); n > 0 && s.messages[n-1].Role == models.RoleAssistant {
		s.messages[n-1].Content = content
		return
	}
	s.Append(models.RoleAssistant, content)
}

// TruncateTo 只保留前 n 条
func (s *Store) TruncateTo(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(s.messages) {
		s.messages = s.messages[:n]
	}
	if s.currentPage > s.PageCount() {
		s.currentPage = s.PageCount()
	}
}

// Len 消息数
func (s *Store) Len() int { return len(s.messages) }

// Last 最后一条消息
func (s *Store) Last() (models.Message, bool) {
	if len(s.messages) == 0 {
		return models.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// Messages 返回副本
func (s *Store) Messages() []models.Message {
	return append([]models.Message(nil), s.messages...)
}

// PageCount ceil(len/2)
func (s *Store) PageCount() int {
	return PageCount(len(s.messages))
}

// CurrentPage 当前查看的页
func (s *Store) CurrentPage() int { return s.currentPage }

// SetPage 切换查看页，越界时不变
func (s *Store) SetPage(p int) bool {
	if p < 1 || p > s.PageCount() {
		return false
	}
	s.currentPage = p
	return true
}

// Page 返回第 p 页（从1开始）
func (s *Store) Page(p int) []models.Message {
	return Page(s.messages, p)
}

// PageCount 给定消息数的页数
func PageCount(n int) int {
	return (n + MessagesPerPage - 1) / MessagesPerPage
}

// Page 按页切分
func Page(messages []models.Message, p int) []models.Message {
	if p < 1 {
		return nil
	}
	start := (p - 1) * MessagesPerPage
	if start >= len(messages) {
		return nil
	}
	end := start + MessagesPerPage
	if end > len(messages) {
		end = len(messages)
	}
	return append([]models.Message(nil), messages[start:end]...)
}

// Trimmed 从末尾成对回溯，只保留助手消息中的 game_text，累计长度不超过 budget。
// 遇到第一个放不下的对就停止；助手内容解析失败的对直接跳过。
func Trimmed(messages []models.Message, budget int) []models.Message {
	var kept []models.Message
	total := 0

	for i := len(messages) - 1; i > 0; i -= 2 {
		user, assistant := messages[i-1], messages[i]
		payload, err := models.DecodeAssistantPayload(assistant.Content)
		if err != nil {
			continue
		}
		pair := []models.Message{user, {Role: models.RoleAssistant, Content: payload.GameText}}
		size := pairSize(pair)
		if total+size > budget {
			break
		}
		kept = append(pair, kept...)
		total += size
	}
	return kept
}

// pairSize 紧凑 JSON 的字符数（不转义 HTML）
func pairSize(pair []models.Message) int {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(pair); err != nil {
		return 0
	}
	return utf8.RuneCount(bytes.TrimRight(buf.Bytes(), "\n"))
}
