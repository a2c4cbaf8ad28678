// internal/saves/service.go
package saves

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	apperrors "github.com/Corphon/Formamorph/internal/errors"
	"github.com/Corphon/Formamorph/internal/models"
	"github.com/Corphon/Formamorph/internal/storage"
	"github.com/Corphon/Formamorph/internal/utils"
)

// DefaultExportName 未命名存档的导出文件名
const DefaultExportName = "save.json"

// GameSession 存档服务需要的会话能力
type GameSession interface {
	Checkpoint() (models.GameState, []models.GameState, error)
	Restore(current models.GameState, snapshots []models.GameState) error
	AddLog(text string)
}

// ExportFile 导出的存档文件
type ExportFile struct {
	FileName string
	Data     []byte
}

// Service 存档的保存、读取、列表、删除和导出
type Service struct {
	store   storage.Store
	worker  *Worker
	metrics *utils.GameMetrics
	logger  *utils.Logger
}

// Option 配置存档服务
type Option func(*Service)

// WithWorker 指定工作池
func WithWorker(w *Worker) Option {
	return func(s *Service) { s.worker = w }
}

// WithMetrics 指定指标记录
func WithMetrics(m *utils.GameMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService 创建存档服务
func NewService(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store:   store,
		metrics: utils.NewGameMetrics(nil),
		logger:  utils.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.worker == nil {
		s.worker = NewWorker(2, 8)
	}
	return s
}

// Close 停止工作池
func (s *Service) Close() {
	s.worker.Close()
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperrors.NewValidationError("save name must not be empty", nil)
	}
	return name, nil
}

// Save 以第 2 版格式写入，同名覆盖
func (s *Service) Save(ctx context.Context, name string, sess GameSession) (err error) {
	defer func() { s.metrics.RecordSaveOperation("save", err) }()

	name, err = cleanName(name)
	if err != nil {
		return err
	}
	current, snapshots, err := sess.Checkpoint()
	if err != nil {
		return err
	}
	data, err := json.Marshal(NewRecord(current, snapshots))
	if err != nil {
		return apperrors.WrapError(err, "encode save", apperrors.ErrorTypeError)
	}
	if err := s.store.Put(ctx, name, data); err != nil {
		return apperrors.WrapError(err, "write save", apperrors.ErrorTypeError)
	}

	sess.AddLog(`Game saved as "` + name + `"`)
	s.logger.Info("game saved", map[string]interface{}{"name": name, "bytes": len(data)})
	return nil
}

// Load 读档。存档不存在时返回 false 且没有错误；旧格式只在内存中转换。
func (s *Service) Load(ctx context.Context, name string, sess GameSession) (found bool, err error) {
	defer func() { s.metrics.RecordSaveOperation("load", err) }()

	name, err = cleanName(name)
	if err != nil {
		return false, err
	}
	data, err := s.store.Get(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		sess.AddLog("No save data found")
		return false, nil
	}
	if err != nil {
		return false, apperrors.WrapError(err, "read save", apperrors.ErrorTypeError)
	}

	record, conversion, err := s.Decode(ctx, data)
	if err != nil {
		return false, err
	}
	if err := sess.Restore(record.CurrentState, record.StateHistory); err != nil {
		return false, err
	}

	if notice := conversion.Notice(); notice != "" {
		sess.AddLog(notice)
	}
	sess.AddLog(`Game loaded from "` + name + `"`)
	s.logger.Info("game loaded", map[string]interface{}{"name": name, "snapshots": len(record.StateHistory)})
	return true, nil
}

// Decode 解析任意版本的存档。旧格式在工作池中转换，转换失败时退化为只恢复根状态。
// 返回的 Conversion 说明旧格式是否经过转换。
func (s *Service) Decode(ctx context.Context, data []byte) (Record, Conversion, error) {
	format, err := Detect(data)
	if err != nil {
		return Record{}, ConversionNone, err
	}
	if format == FormatV2 {
		record, err := DecodeRecord(data)
		return record, ConversionNone, err
	}

	record, err := Run(ctx, s.worker, func(context.Context) (Record, error) {
		return Migrate(data)
	})
	if err == nil {
		s.logger.Info("converted legacy save", map[string]interface{}{"snapshots": len(record.StateHistory)})
		return record, ConversionMigrated, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Record{}, ConversionNone, ctxErr
	}
	if errors.Is(err, ErrWorkerClosed) {
		return Record{}, ConversionNone, err
	}

	s.logger.Error("legacy save conversion failed, loading current state only", map[string]interface{}{
		"error": err.Error(),
	})
	var root models.GameState
	if rawErr := json.Unmarshal(data, &root); rawErr != nil {
		return Record{}, ConversionNone, apperrors.NewSaveFormatError("save data cannot be loaded", rawErr)
	}
	root.StateVersion = CurrentVersion
	return Record{Version: CurrentVersion, CurrentState: root, StateHistory: []models.GameState{}}, ConversionFailed, nil
}

// List 存档列表，最新的在前。无法解析的记录跳过。
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	entries, err := s.store.List(ctx)
	if err != nil {
		return nil, apperrors.WrapError(err, "list saves", apperrors.ErrorTypeError)
	}

	out := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		data, err := s.store.Get(ctx, entry.Name)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, apperrors.WrapError(err, "read save", apperrors.ErrorTypeError)
		}
		summary, err := summarize(entry.Name, data)
		if err != nil {
			s.logger.Warn("skipping unreadable save", map[string]interface{}{"name": entry.Name, "error": err.Error()})
			continue
		}
		out = append(out, summary)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Delete 删除存档
func (s *Service) Delete(ctx context.Context, name string) (err error) {
	defer func() { s.metrics.RecordSaveOperation("delete", err) }()

	name, err = cleanName(name)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NewNotFoundError("save not found: "+name, err)
		}
		return apperrors.WrapError(err, "delete save", apperrors.ErrorTypeError)
	}
	s.logger.Info("save deleted", map[string]interface{}{"name": name})
	return nil
}

// Export 以缩进 JSON 导出已保存的记录，内容保持原版本
func (s *Service) Export(ctx context.Context, name string) (ExportFile, error) {
	name, err := cleanName(name)
	if err != nil {
		return ExportFile{}, err
	}
	data, err := s.store.Get(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return ExportFile{}, apperrors.NewNotFoundError("save not found: "+name, err)
	}
	if err != nil {
		return ExportFile{}, apperrors.WrapError(err, "read save", apperrors.ErrorTypeError)
	}
	return s.export(ctx, name, data)
}

// ExportSession 不经存储直接导出会话当前状态
func (s *Service) ExportSession(ctx context.Context, name string, sess GameSession) (ExportFile, error) {
	current, snapshots, err := sess.Checkpoint()
	if err != nil {
		return ExportFile{}, err
	}
	data, err := json.Marshal(NewRecord(current, snapshots))
	if err != nil {
		return ExportFile{}, apperrors.WrapError(err, "encode save", apperrors.ErrorTypeError)
	}
	return s.export(ctx, strings.TrimSpace(name), data)
}

func (s *Service) export(ctx context.Context, name string, data []byte) (ExportFile, error) {
	pretty, err := Run(ctx, s.worker, func(context.Context) ([]byte, error) {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return nil, apperrors.NewSaveFormatError("stored save is not valid JSON", err)
		}
		return buf.Bytes(), nil
	})
	if err != nil {
		return ExportFile{}, err
	}
	return ExportFile{FileName: ExportFileName(name), Data: pretty}, nil
}

// Import 写入上传的存档。内容按原样保存，旧格式在读档时再转换。
func (s *Service) Import(ctx context.Context, name string, data []byte) (err error) {
	defer func() { s.metrics.RecordSaveOperation("import", err) }()

	name, err = cleanName(name)
	if err != nil {
		return err
	}
	if _, err := Detect(data); err != nil {
		return err
	}
	if err := s.store.Put(ctx, name, data); err != nil {
		return apperrors.WrapError(err, "write save", apperrors.ErrorTypeError)
	}
	s.logger.Info("save imported", map[string]interface{}{"name": name, "bytes": len(data)})
	return nil
}

// ExportFileName 导出文件名
func ExportFileName(name string) string {
	if name == "" {
		return DefaultExportName
	}
	return name + ".json"
}
