// internal/world/catalog.go
package world

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/Corphon/Formamorph/internal/errors"
	"github.com/Corphon/Formamorph/internal/models"
	"github.com/Corphon/Formamorph/internal/storage"
	"github.com/Corphon/Formamorph/internal/utils"
)

//go:embed defaults/*.yaml
var defaultWorlds embed.FS

// 支持的世界文件格式
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Summary 世界列表项
type Summary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Author      string   `json:"author,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Stats       int      `json:"stats"`
	Locations   int      `json:"locations"`
	Traits      int      `json:"traits"`
}

// Catalog 可用的世界：内置世界、目录中的世界文件和上传的世界
type Catalog struct {
	dir string

	mu       sync.RWMutex
	builtin  map[string]*models.World
	uploaded map[string]*models.World
	files    map[string]string // id -> path

	cache  *storage.FileCache[*models.World]
	logger *utils.Logger
}

// NewCatalog 加载内置世界并扫描 dir（可以为空）
func NewCatalog(dir string) (*Catalog, error) {
	c := &Catalog{
		dir:      dir,
		builtin:  make(map[string]*models.World),
		uploaded: make(map[string]*models.World),
		files:    make(map[string]string),
		cache:    storage.NewFileCache[*models.World](64, 10*time.Minute),
		logger:   utils.GetLogger(),
	}

	entries, err := fs.ReadDir(defaultWorlds, "defaults")
	if err != nil {
		return nil, fmt.Errorf("read builtin worlds: %w", err)
	}
	for _, entry := range entries {
		data, err := fs.ReadFile(defaultWorlds, "defaults/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read builtin world %s: %w", entry.Name(), err)
		}
		w, err := Decode(data, FormatYAML)
		if err != nil {
			return nil, fmt.Errorf("builtin world %s: %w", entry.Name(), err)
		}
		if w.ID == "" {
			w.ID = idFromFile(entry.Name())
		}
		c.builtin[w.ID] = w
	}

	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh 重新扫描世界目录。无法解析的文件只记录警告。
func (c *Catalog) Refresh() error {
	if c.dir == "" {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("创建世界目录失败: %w", err)
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("读取世界目录失败: %w", err)
	}

	files := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || FormatOf(entry.Name()) == "" {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		w, err := c.loadFile(path)
		if err != nil {
			c.logger.Warn("skipping world file", map[string]interface{}{"path": path, "error": err.Error()})
			continue
		}
		files[w.ID] = path
	}

	c.mu.Lock()
	c.files = files
	c.mu.Unlock()
	return nil
}

func (c *Catalog) loadFile(path string) (*models.World, error) {
	return c.cache.Load(path, func(data []byte) (*models.World, error) {
		w, err := Decode(data, FormatOf(path))
		if err != nil {
			return nil, err
		}
		if w.ID == "" {
			w.ID = idFromFile(filepath.Base(path))
		}
		return w, nil
	})
}

// Get 按ID查找世界，返回的世界只读
func (c *Catalog) Get(id string) (*models.World, error) {
	c.mu.RLock()
	w, uploaded := c.uploaded[id]
	path, onDisk := c.files[id]
	builtin, isBuiltin := c.builtin[id]
	c.mu.RUnlock()

	switch {
	case uploaded:
		return w, nil
	case onDisk:
		w, err := c.loadFile(path)
		if err != nil {
			return nil, apperrors.WrapError(err, "load world "+id, apperrors.ErrorTypeError)
		}
		return w, nil
	case isBuiltin:
		return builtin, nil
	default:
		return nil, apperrors.NewNotFoundError("world not found: "+id, nil)
	}
}

// List 按名称排序的世界列表
func (c *Catalog) List() []Summary {
	c.mu.RLock()
	ids := make(map[string]bool, len(c.builtin)+len(c.files)+len(c.uploaded))
	for id := range c.builtin {
		ids[id] = true
	}
	for id := range c.files {
		ids[id] = true
	}
	for id := range c.uploaded {
		ids[id] = true
	}
	c.mu.RUnlock()

	out := make([]Summary, 0, len(ids))
	for id := range ids {
		w, err := c.Get(id)
		if err != nil {
			continue
		}
		out = append(out, summarize(w))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Add 注册上传的世界。设置了目录时同时写成 YAML 文件。
func (c *Catalog) Add(w *models.World) (*models.World, error) {
	if err := Validate(w); err != nil {
		return nil, err
	}
	if strings.TrimSpace(w.ID) == "" {
		w.ID = slug(w.Overview.Name)
	}

	if c.dir != "" {
		data, err := yaml.Marshal(w)
		if err != nil {
			return nil, apperrors.WrapError(err, "encode world", apperrors.ErrorTypeError)
		}
		path := filepath.Join(c.dir, slug(w.ID)+".yaml")
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			return nil, apperrors.WrapError(err, "write world", apperrors.ErrorTypeError)
		}
		if err := os.Rename(tmp, path); err != nil {
			_ = os.Remove(tmp)
			return nil, apperrors.WrapError(err, "write world", apperrors.ErrorTypeError)
		}
		c.cache.Delete(path)
	}

	c.mu.Lock()
	c.uploaded[w.ID] = w
	c.mu.Unlock()

	c.logger.Info("world added", map[string]interface{}{"id": w.ID, "name": w.Overview.Name})
	return w, nil
}

// FormatOf 按扩展名判断格式，不支持时返回空串
func FormatOf(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return ""
	}
}

// Decode 解析并校验世界定义。format 为空时按内容猜测。
func Decode(data []byte, format string) (*models.World, error) {
	if format == "" {
		format = FormatYAML
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			format = FormatJSON
		}
	}

	var w models.World
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, apperrors.NewValidationError("invalid world JSON", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &w); err != nil {
			return nil, apperrors.NewValidationError("invalid world YAML", err)
		}
	default:
		return nil, apperrors.NewValidationError("unsupported world format: "+format, nil)
	}

	if err := Validate(&w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Validate 检查名称、ID 唯一性和属性范围
func Validate(w *models.World) error {
	if w == nil {
		return apperrors.NewValidationError("world is required", nil)
	}
	if strings.TrimSpace(w.Overview.Name) == "" {
		return apperrors.NewValidationError("world name is required", nil)
	}

	if err := uniqueIDs("stat", len(w.Stats), func(i int) models.ID { return w.Stats[i].ID }); err != nil {
		return err
	}
	if err := uniqueIDs("location", len(w.Locations), func(i int) models.ID { return w.Locations[i].ID }); err != nil {
		return err
	}
	if err := uniqueIDs("entity", len(w.Entities), func(i int) models.ID { return w.Entities[i].ID }); err != nil {
		return err
	}
	if err := uniqueIDs("trait", len(w.Traits), func(i int) models.ID { return w.Traits[i].ID }); err != nil {
		return err
	}

	for _, s := range w.Stats {
		if strings.TrimSpace(s.Name) == "" {
			return apperrors.NewValidationError(fmt.Sprintf("stat %s has no name", s.ID), nil)
		}
		if s.Min > s.Max {
			return apperrors.NewValidationError(fmt.Sprintf("stat %s has min above max", s.Name), nil)
		}
	}
	return nil
}

func uniqueIDs(kind string, n int, id func(int) models.ID) error {
	seen := make(map[models.ID]bool, n)
	for i := 0; i < n; i++ {
		v := id(i)
		if v == "" {
			return apperrors.NewValidationError(fmt.Sprintf("%s #%d has no id", kind, i+1), nil)
		}
		if seen[v] {
			return apperrors.NewValidationError(fmt.Sprintf("duplicate %s id %s", kind, v), nil)
		}
		seen[v] = true
	}
	return nil
}

func summarize(w *models.World) Summary {
	return Summary{
		ID:          w.ID,
		Name:        w.Overview.Name,
		Description: w.Overview.Description,
		Author:      w.Overview.Author,
		Tags:        w.Overview.Tags,
		Stats:       len(w.Stats),
		Locations:   len(w.Locations),
		Traits:      len(w.Traits),
	}
}

func idFromFile(name string) string {
	return slug(strings.TrimSuffix(name, filepath.Ext(name)))
}

// slug 小写、空白和分隔符换成连字符
func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case r > 127:
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "world"
	}
	return out
}
