package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/athebyme/sheetsync-platform/internal/syncerr"
)

// maxWriteRows максимальное число строк в одном запросе записи, диапазоны
// больше разбиваются на последовательные подзаписи
const maxWriteRows = 1000

// a1Range разобранный диапазон в нотации A1. Номера строк нулевые, если
// граница не задана (открытый диапазон вида Sheet1!A:F).
type a1Range struct {
	Sheet    string
	StartCol string
	StartRow int
	EndCol   string
	EndRow   int
}

// parseA1 разбирает диапазон вида "Лист1!A2:F100"
func parseA1(rng string) (a1Range, error) {
	var out a1Range

	bang := strings.LastIndex(rng, "!")
	if bang < 0 {
		return out, syncerr.Validation("range must include sheet name: " + rng)
	}
	out.Sheet = rng[:bang]
	cells := rng[bang+1:]

	parts := strings.SplitN(cells, ":", 2)
	if len(parts) != 2 {
		return out, syncerr.Validation("range must have start and end cells: " + rng)
	}

	var err error
	out.StartCol, out.StartRow, err = splitCell(parts[0])
	if err != nil {
		return out, err
	}
	out.EndCol, out.EndRow, err = splitCell(parts[1])
	if err != nil {
		return out, err
	}
	return out, nil
}

func splitCell(cell string) (string, int, error) {
	i := 0
	for i < len(cell) && cell[i] >= 'A' && cell[i] <= 'Z' {
		i++
	}
	col := cell[:i]
	if col == "" {
		return "", 0, syncerr.Validation("invalid cell reference: " + cell)
	}
	if i == len(cell) {
		return col, 0, nil
	}
	row, err := strconv.Atoi(cell[i:])
	if err != nil || row < 1 {
		return "", 0, syncerr.Validation("invalid row number in cell: " + cell)
	}
	return col, row, nil
}

// String собирает диапазон обратно в нотацию A1
func (r a1Range) String() string {
	start := r.StartCol
	if r.StartRow > 0 {
		start += strconv.Itoa(r.StartRow)
	}
	end := r.EndCol
	if r.EndRow > 0 {
		end += strconv.Itoa(r.EndRow)
	}
	return fmt.Sprintf("%s!%s:%s", r.Sheet, start, end)
}

// withRows возвращает копию диапазона с переписанными границами строк
func (r a1Range) withRows(start, end int) a1Range {
	r.StartRow = start
	r.EndRow = end
	return r
}

// ColumnLetter переводит нулевой индекс колонки в буквенное обозначение
func ColumnLetter(index int) string {
	letters := ""
	for index >= 0 {
		letters = string(rune('A'+index%26)) + letters
		index = index/26 - 1
	}
	return letters
}

type valuesResponse struct {
	Range  string     `json:"range"`
	Values [][]string `json:"values"`
}

// ReadRange читает значения диапазона постранично: границы строк
// переписываются по номеру страницы и ее размеру. hasMore истинно, когда
// получена полная страница и исходный диапазон не исчерпан.
func (c *Client) ReadRange(ctx context.Context, rng string, page, pageSize int) ([][]string, bool, error) {
	if page < 1 {
		page = 1
	}

	parsed, err := parseA1(rng)
	if err != nil {
		return nil, false, err
	}

	effective := parsed
	bounded := parsed.StartRow > 0
	if bounded && pageSize > 0 {
		start := parsed.StartRow + (page-1)*pageSize
		end := start + pageSize - 1
		if parsed.EndRow > 0 {
			if start > parsed.EndRow {
				return nil, false, nil
			}
			if end > parsed.EndRow {
				end = parsed.EndRow
			}
		}
		effective = parsed.withRows(start, end)
	}

	reqURL := fmt.Sprintf("%s/%s/values/%s?majorDimension=ROWS",
		c.baseURL, c.spreadsheetID, url.PathEscape(effective.String()))

	body, err := c.request(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read range %s: %w", effective.String(), err)
	}

	var parsedResp valuesResponse
	if err := json.Unmarshal(body, &parsedResp); err != nil {
		return nil, false, syncerr.Wrap(syncerr.KindUpstreamAPI, "failed to decode sheets values", err)
	}

	hasMore := false
	if bounded && pageSize > 0 && len(parsedResp.Values) == pageSize {
		if parsed.EndRow == 0 || effective.EndRow < parsed.EndRow {
			hasMore = true
		}
	}
	return parsedResp.Values, hasMore, nil
}

// WriteRange перезаписывает значения диапазона. Записи больше предельного
// размера разбиваются на последовательные подзаписи смежных поддиапазонов,
// ошибка любой подзаписи останавливает оставшиеся.
func (c *Client) WriteRange(ctx context.Context, rng string, values [][]string) error {
	parsed, err := parseA1(rng)
	if err != nil {
		return err
	}

	if len(values) <= maxWriteRows {
		return c.writeChunk(ctx, parsed.String(), values)
	}
	if parsed.StartRow == 0 {
		return syncerr.Validation("large write requires explicit row bounds: " + rng)
	}

	for offset := 0; offset < len(values); offset += maxWriteRows {
		end := offset + maxWriteRows
		if end > len(values) {
			end = len(values)
		}
		chunk := values[offset:end]
		sub := parsed.withRows(parsed.StartRow+offset, parsed.StartRow+end-1)
		if err := c.writeChunk(ctx, sub.String(), chunk); err != nil {
			return fmt.Errorf("failed to write sub-range %s: %w", sub.String(), err)
		}
	}
	return nil
}

func (c *Client) writeChunk(ctx context.Context, rng string, values [][]string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"range":          rng,
		"majorDimension": "ROWS",
		"values":         values,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sheets values: %w", err)
	}

	reqURL := fmt.Sprintf("%s/%s/values/%s?valueInputOption=USER_ENTERED",
		c.baseURL, c.spreadsheetID, url.PathEscape(rng))

	if _, err := c.request(ctx, http.MethodPut, reqURL, payload); err != nil {
		return err
	}
	return nil
}

// BatchItem одна запись пакетного обновления
type BatchItem struct {
	Range  string     `json:"range"`
	Values [][]string `json:"values"`
}

// BatchWrite записывает несколько несмежных диапазонов одним запросом
func (c *Client) BatchWrite(ctx context.Context, items []BatchItem) error {
	if len(items) == 0 {
		return nil
	}

	data := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		data = append(data, map[string]interface{}{
			"range":          item.Range,
			"majorDimension": "ROWS",
			"values":         item.Values,
		})
	}
	payload, err := json.Marshal(map[string]interface{}{
		"valueInputOption": "USER_ENTERED",
		"data":             data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal batch update: %w", err)
	}

	reqURL := fmt.Sprintf("%s/%s/values:batchUpdate", c.baseURL, c.spreadsheetID)
	if _, err := c.request(ctx, http.MethodPost, reqURL, payload); err != nil {
		return fmt.Errorf("failed to batch write: %w", err)
	}
	return nil
}

// ValidationResult результат проверки структуры листа
type ValidationResult struct {
	Valid          bool
	MissingColumns []string
	ColumnMap      map[string]string // имя колонки -> буква колонки
}

// ValidateStructure проверяет, что строка заголовков листа содержит все
// требуемые колонки. Сопоставление нечувствительно к регистру и краевым
// пробелам. Возвращает карту имен колонок в их буквенные позиции.
func (c *Client) ValidateStructure(ctx context.Context, sheetName string, requiredColumns []string) (*ValidationResult, error) {
	header, _, err := c.ReadRange(ctx, fmt.Sprintf("%s!A1:ZZ1", sheetName), 1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read header row: %w", err)
	}

	found := make(map[string]string)
	if len(header) > 0 {
		for i, cell := range header[0] {
			normalized := strings.ToLower(strings.TrimSpace(cell))
			if normalized == "" {
				continue
			}
			if _, exists := found[normalized]; !exists {
				found[normalized] = ColumnLetter(i)
			}
		}
	}

	result := &ValidationResult{
		Valid:     true,
		ColumnMap: make(map[string]string),
	}
	for _, col := range requiredColumns {
		normalized := strings.ToLower(strings.TrimSpace(col))
		letter, ok := found[normalized]
		if !ok {
			result.Valid = false
			result.MissingColumns = append(result.MissingColumns, col)
			continue
		}
		result.ColumnMap[col] = letter
	}
	return result, nil
}

// SheetInfo свойства одного листа таблицы
type SheetInfo struct {
	ID    int64
	Title string
}

// GetSpreadsheetMetadata возвращает название таблицы и список ее листов
func (c *Client) GetSpreadsheetMetadata(ctx context.Context) (string, []SheetInfo, error) {
	reqURL := fmt.Sprintf("%s/%s?fields=properties.title,sheets.properties", c.baseURL, c.spreadsheetID)

	body, err := c.request(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get spreadsheet metadata: %w", err)
	}

	var parsed struct {
		Properties struct {
			Title string `json:"title"`
		} `json:"properties"`
		Sheets []struct {
			Properties struct {
				SheetID int64  `json:"sheetId"`
				Title   string `json:"title"`
			} `json:"properties"`
		} `json:"sheets"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", nil, syncerr.Wrap(syncerr.KindUpstreamAPI, "failed to decode spreadsheet metadata", err)
	}

	sheetsInfo := make([]SheetInfo, 0, len(parsed.Sheets))
	for _, s := range parsed.Sheets {
		sheetsInfo = append(sheetsInfo, SheetInfo{ID: s.Properties.SheetID, Title: s.Properties.Title})
	}
	return parsed.Properties.Title, sheetsInfo, nil
}
