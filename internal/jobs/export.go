package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/athebyme/sheetsync-platform/internal/clients/sheets"
	"github.com/athebyme/sheetsync-platform/internal/clients/shopify"
	"github.com/athebyme/sheetsync-platform/internal/domain/models"
	"github.com/athebyme/sheetsync-platform/internal/domain/services"
	"github.com/athebyme/sheetsync-platform/internal/syncerr"
	"github.com/athebyme/sheetsync-platform/internal/transform"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
)

// SetExportHook задает колбэк, вызываемый после успешного экспорта арендатора
func (p *Pipeline) SetExportHook(fn func(ctx context.Context, tenantID string)) {
	p.onExported = fn
}

// runExport выгружает каталог в таблицу: заголовок в первую строку, записи
// чанками ниже. Чанки независимы: сбой записи одного чанка после повторов
// не останавливает остальные, итоговая ошибка агрегируется.
func (p *Pipeline) runExport(ctx context.Context, run *models.SyncRun, req *services.SyncRequest) (int, error) {
	client, conn, err := p.sheetsFn(ctx, run.TenantID)
	if err != nil {
		return 0, err
	}

	tr, err := p.newTransformer(ctx, run.TenantID)
	if err != nil {
		return 0, err
	}

	columns := tr.Columns()
	lastCol := sheets.ColumnLetter(len(columns) - 1)

	headerRange := fmt.Sprintf("%s!A1:%s1", conn.SheetName, lastCol)
	if err := p.writeWithRetry(ctx, client, headerRange, [][]string{tr.Header()}); err != nil {
		return 0, fmt.Errorf("failed to write header row: %w", err)
	}

	state := &exportState{
		pipeline: p,
		run:      run,
		client:   client,
		tr:       tr,
		sheet:    conn.SheetName,
		lastCol:  lastCol,
		nextRow:  2,
	}

	switch req.Strategy {
	case models.StrategyIncremental:
		_, err = p.catalog.FetchProductsSince(ctx, *req.Since, "", func(page *shopify.ProductPage) error {
			return state.consume(ctx, models.Records(page.Products))
		})
	case models.StrategySelective:
		var records []models.CatalogRecord
		for _, id := range req.ProductIDs {
			product, perr := p.catalog.GetProduct(ctx, id)
			if perr != nil {
				err = fmt.Errorf("failed to fetch product %s: %w", id, perr)
				break
			}
			if product == nil {
				p.logger.WarnWithContext(ctx, "товар не найден, пропущен",
					interfaces.LogField{Key: "run_id", Value: run.ID},
					interfaces.LogField{Key: "product_id", Value: id})
				continue
			}
			records = append(records, models.Records([]*models.Product{product})...)
		}
		if err == nil {
			err = state.consume(ctx, records)
		}
	default:
		_, err = p.catalog.FetchAllProducts(ctx, func(page *shopify.ProductPage) error {
			return state.consume(ctx, models.Records(page.Products))
		})
	}
	if err != nil {
		return state.processed, err
	}

	if err := state.flush(ctx, true); err != nil {
		return state.processed, err
	}

	if state.failedChunks > 0 {
		return state.processed, syncerr.New(syncerr.KindUpstreamAPI,
			fmt.Sprintf("export incomplete: %d of %d chunks failed", state.failedChunks, state.totalChunks))
	}

	if p.onExported != nil {
		p.onExported(ctx, run.TenantID)
	}
	return state.processed, nil
}

// exportState накапливает записи между страницами каталога и пишет их
// чанками настроенного размера
type exportState struct {
	pipeline     *Pipeline
	run          *models.SyncRun
	client       SheetClient
	tr           *transform.Transformer
	sheet        string
	lastCol      string
	nextRow      int
	seen         int
	processed    int
	totalChunks  int
	failedChunks int
	pending      []models.CatalogRecord
}

// consume добавляет записи страницы и сбрасывает заполненные чанки
func (s *exportState) consume(ctx context.Context, records []models.CatalogRecord) error {
	s.pending = append(s.pending, records...)
	s.seen += len(records)
	return s.flush(ctx, false)
}

// flush пишет накопленные чанки; при final пишется и неполный остаток
func (s *exportState) flush(ctx context.Context, final bool) error {
	p := s.pipeline
	for len(s.pending) >= p.opts.ChunkSize || (final && len(s.pending) > 0) {
		n := p.opts.ChunkSize
		if n > len(s.pending) {
			n = len(s.pending)
		}
		chunk := s.pending[:n]
		s.pending = s.pending[n:]

		rows := s.tr.ToRows(chunk)
		rng := fmt.Sprintf("%s!A%d:%s%d", s.sheet, s.nextRow, s.lastCol, s.nextRow+len(rows)-1)
		s.totalChunks++

		if err := p.writeWithRetry(ctx, s.client, rng, rows); err != nil {
			s.failedChunks++
			p.logger.ErrorWithContext(ctx, "не удалось записать чанк экспорта",
				interfaces.LogField{Key: "run_id", Value: s.run.ID},
				interfaces.LogField{Key: "range", Value: rng},
				interfaces.LogField{Key: "error", Value: err.Error()})
		} else {
			s.processed += n
		}
		s.nextRow += len(rows)

		p.sync.ReportProgress(ctx, s.run, s.processed, s.seen)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// writeWithRetry пишет диапазон с повторами по типизированной классификации.
// Для rate-limit действует подсказка задержки из классификации, остальные
// повторяемые ошибки ждут экспоненциально от базовой задержки чанка.
func (p *Pipeline) writeWithRetry(ctx context.Context, client SheetClient, rng string, values [][]string) error {
	var lastErr error
	for attempt := 1; attempt <= p.opts.ChunkRetries; attempt++ {
		lastErr = client.WriteRange(ctx, rng, values)
		if lastErr == nil {
			return nil
		}

		decision := syncerr.Classify(lastErr, attempt, p.opts.ChunkBaseDelay)
		if !decision.Retryable || attempt == p.opts.ChunkRetries {
			break
		}

		delay := decision.Delay
		if !syncerr.Is(lastErr, syncerr.KindRateLimited) {
			delay = p.opts.ChunkBaseDelay * time.Duration(1<<attempt)
			if delay > time.Minute {
				delay = time.Minute
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		p.sleep(delay)
	}
	return lastErr
}
