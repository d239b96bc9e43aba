package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"feedcatalog/internal/aggregation"
	"feedcatalog/internal/metrics"
	"feedcatalog/internal/models"
	"feedcatalog/internal/normalize"
	"feedcatalog/pkg/config"
)

// Engine reads the committed catalog. It never takes ingestion leases.
type Engine struct {
	db         *gorm.DB
	aggregator *aggregation.Aggregator
	cfg        config.Search
}

func NewEngine(db *gorm.DB, cfg config.Search) *Engine {
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 20
	}
	if cfg.MaxPageSize < cfg.DefaultPageSize {
		cfg.MaxPageSize = cfg.DefaultPageSize
	}
	return &Engine{db: db, aggregator: aggregation.NewAggregator(db), cfg: cfg}
}

type SummaryView struct {
	BestPrice      decimal.NullDecimal `json:"best_price"`
	MinPrice       decimal.NullDecimal `json:"min_price"`
	MaxPrice       decimal.NullDecimal `json:"max_price"`
	AvailableCount int                 `json:"available_count"`
	TotalShops     int                 `json:"total_shops"`
}

func summaryView(s models.PriceSummary) *SummaryView {
	return &SummaryView{
		BestPrice:      s.BestPrice,
		MinPrice:       s.MinPrice,
		MaxPrice:       s.MaxPrice,
		AvailableCount: s.AvailableCount,
		TotalShops:     s.TotalShops,
	}
}

// Result is one row of a search page. In grouped results ID is the group id
// and the listing fields come from the cheapest matching member.
type Result struct {
	ID            uint                `json:"id"`
	GroupID       *uint               `json:"group_id,omitempty"`
	Title         string              `json:"title"`
	Price         decimal.Decimal     `json:"price"`
	OriginalPrice decimal.NullDecimal `json:"original_price"`
	Currency      string              `json:"currency"`
	Availability  models.Availability `json:"availability"`
	Stock         *int                `json:"stock"`
	ImageURL      string              `json:"image_url"`
	ProductURL    string              `json:"product_url"`
	Brand         string              `json:"brand"`
	Category      string              `json:"category"`
	Shop          string              `json:"shop,omitempty"`
	ShopCount     int                 `json:"shop_count,omitempty"`
	Summary       *SummaryView        `json:"price_summary,omitempty"`
}

type FacetCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// PriceRange spans the prices of the listings matching every other filter.
type PriceRange struct {
	Min decimal.NullDecimal `json:"min"`
	Max decimal.NullDecimal `json:"max"`
}

type Facets struct {
	Brand        []FacetCount `json:"brand"`
	Category     []FacetCount `json:"category"`
	Shop         []FacetCount `json:"shop"`
	Availability []FacetCount `json:"availability"`
	Price        PriceRange   `json:"price"`
}

type Response struct {
	Results    []Result `json:"results"`
	Total      int      `json:"total"`
	TotalPages int      `json:"total_pages"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	Sort       string   `json:"sort"`
	Grouped    bool     `json:"grouped"`
	Facets     Facets   `json:"facets"`
}

// listing is a product row joined with its shop, brand and category names.
type listing struct {
	ID            uint
	GroupID       *uint
	ShopName      string
	BrandName     string
	CategoryName  string
	Title         string
	Price         decimal.Decimal
	OriginalPrice decimal.NullDecimal
	Currency      string
	Availability  models.Availability
	StockQuantity *int
	ImageURL      string
	ProductURL    string
}

const listingColumns = `p.id, p.group_id, s.name AS shop_name,
	COALESCE(b.name, '') AS brand_name, COALESCE(c.name, '') AS category_name,
	p.title, p.price, p.original_price, p.currency, p.availability,
	p.stock_quantity, p.image_url, p.product_url`

func listingResult(id uint, l listing) Result {
	return Result{
		ID:            id,
		GroupID:       l.GroupID,
		Title:         l.Title,
		Price:         l.Price,
		OriginalPrice: l.OriginalPrice,
		Currency:      l.Currency,
		Availability:  l.Availability,
		Stock:         l.StockQuantity,
		ImageURL:      l.ImageURL,
		ProductURL:    l.ProductURL,
		Brand:         l.BrandName,
		Category:      l.CategoryName,
		Shop:          l.ShopName,
	}
}

// Filter dimensions. Each facet is counted with every filter applied except
// its own dimension's.
const (
	noDim = iota - 1
	dimBrand
	dimCategory
	dimShop
	dimAvailability
	dimPrice
	numDims
)

var facetColumns = map[int]string{
	dimBrand:        "b.name",
	dimCategory:     "c.name",
	dimShop:         "s.name",
	dimAvailability: "p.availability",
}

type condition struct {
	sql  string
	args []interface{}
}

// filter is a compiled query. rowKey is the column one result row stands for.
type filter struct {
	rowKey string
	conds  [numDims + 1][]condition
}

func (f *filter) add(dim int, sql string, args ...interface{}) {
	f.conds[dim+1] = append(f.conds[dim+1], condition{sql: sql, args: args})
}

// apply adds every condition except those of skip.
func (f *filter) apply(db *gorm.DB, skip int) *gorm.DB {
	for i, conds := range f.conds {
		if skip != noDim && i == skip+1 {
			continue
		}
		for _, c := range conds {
			db = db.Where(c.sql, c.args...)
		}
	}
	return db
}

// Search runs q. Invalid parameters fail with *QueryError before any read.
func (e *Engine) Search(ctx context.Context, q Query) (*Response, error) {
	start := time.Now()
	q, err := q.normalized(e.cfg.DefaultPageSize, e.cfg.MaxPageSize)
	if err != nil {
		return nil, err
	}
	grouped := q.ShopID == 0
	text := normalize.Name(q.Text)

	f, err := e.compile(ctx, q, text)
	if err != nil {
		return nil, err
	}

	var total int64
	err = f.apply(e.listings(ctx), noDim).
		Select("COUNT(DISTINCT " + f.rowKey + ")").
		Scan(&total).Error
	if err != nil {
		return nil, fmt.Errorf("count search rows: %w", err)
	}

	resp := &Response{
		Total:    int(total),
		Page:     q.Page,
		PageSize: q.PageSize,
		Sort:     q.Sort,
		Grouped:  grouped,
		Results:  []Result{},
	}
	resp.TotalPages = (resp.Total + q.PageSize - 1) / q.PageSize

	if q.offset() < resp.Total {
		if resp.Results, err = e.page(ctx, f, q, text); err != nil {
			return nil, err
		}
		if grouped {
			if err := e.annotateGroups(ctx, resp.Results); err != nil {
				return nil, err
			}
		}
	}
	if resp.Facets, err = e.facets(ctx, f); err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	metrics.RecordSearch(q.Sort, grouped, elapsed)
	logrus.WithFields(logrus.Fields{
		"q":       text,
		"sort":    q.Sort,
		"grouped": grouped,
		"total":   resp.Total,
		"elapsed": elapsed.String(),
	}).Debug("Search executed")
	return resp, nil
}

func (e *Engine) listings(ctx context.Context) *gorm.DB {
	return e.db.WithContext(ctx).Table("products AS p").
		Joins("JOIN shops s ON s.id = p.shop_id").
		Joins("LEFT JOIN brands b ON b.id = p.brand_id").
		Joins("LEFT JOIN categories c ON c.id = p.category_id").
		Where("p.deleted_at IS NULL")
}

// compile turns q into SQL conditions. Filters naming nothing that exists
// match no rows.
func (e *Engine) compile(ctx context.Context, q Query, text string) (*filter, error) {
	f := &filter{rowKey: "p.id"}
	if q.ShopID == 0 {
		f.rowKey = "p.group_id"
		// a listing is only searchable once its group is assigned
		f.add(noDim, "p.group_id IS NOT NULL")
	} else {
		f.add(noDim, "p.shop_id = ?", q.ShopID)
	}

	for _, tok := range strings.Fields(text) {
		pattern := "%" + escapeLike(tok) + "%"
		f.add(noDim, `(p.normalized_title LIKE ? ESCAPE '\' OR p.normalized_description LIKE ? ESCAPE '\')`, pattern, pattern)
	}
	if q.InStock {
		f.add(noDim, "(p.stock_quantity > 0 OR (p.stock_quantity IS NULL AND p.availability = ?))", models.AvailabilityAvailable)
	}
	if code := normalize.EAN(q.EAN); code != nil {
		f.add(noDim, "p.ean = ?", *code)
	}
	if mpn := normalize.MPN(q.MPN); mpn != nil {
		f.add(noDim, "p.mpn = ?", *mpn)
	}

	if q.MinPrice != nil {
		f.add(dimPrice, "p.price >= ?", *q.MinPrice)
	}
	if q.MaxPrice != nil {
		f.add(dimPrice, "p.price <= ?", *q.MaxPrice)
	}
	if q.Availability != "" {
		f.add(dimAvailability, "p.availability = ?", q.Availability)
	}

	if brands := nameKeys(q.Brand, q.Brands); len(brands) > 0 {
		f.add(dimBrand, "b.normalized_name IN ?", brands)
	}

	if categories := nonBlank(q.Category, q.Categories); len(categories) > 0 {
		scope := make(map[uint]bool)
		for _, c := range categories {
			ids, err := e.categoryScope(ctx, c)
			if err != nil {
				return nil, err
			}
			for id := range ids {
				scope[id] = true
			}
		}
		sql, args := inIDs("p.category_id", scope)
		f.add(dimCategory, sql, args...)
	}

	if shops := nameKeys(q.Shop, q.Shops); len(shops) > 0 {
		var all []models.Shop
		if err := e.db.WithContext(ctx).Select("id, name").Find(&all).Error; err != nil {
			return nil, fmt.Errorf("resolve shops: %w", err)
		}
		wanted := make(map[string]bool, len(shops))
		for _, s := range shops {
			wanted[s] = true
		}
		ids := make(map[uint]bool)
		for _, s := range all {
			if wanted[normalize.Name(s.Name)] {
				ids[s.ID] = true
			}
		}
		sql, args := inIDs("p.shop_id", ids)
		f.add(dimShop, sql, args...)
	}
	return f, nil
}

// page loads one page of rows. Each row is represented by its cheapest
// matching listing and takes the best availability of them all.
func (e *Engine) page(ctx context.Context, f *filter, q Query, text string) ([]Result, error) {
	score, args := relevanceSQL(text, strings.Fields(text), e.cfg.DescriptionTiebreakEnabled)
	sel := fmt.Sprintf(`%s AS row_key, MIN(p.price) AS row_price, MIN(%s) AS avail_rank,
		MAX(p.created_at) AS newest, MAX(%s) AS score`, f.rowKey, availabilityRankSQL, score)

	var keys []struct {
		RowKey    uint
		AvailRank int
	}
	err := f.apply(e.listings(ctx), noDim).
		Select(sel, args...).
		Group(f.rowKey).
		Order(rowOrder(q.Sort)).
		Limit(q.PageSize).
		Offset(q.offset()).
		Scan(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("search rows: %w", err)
	}
	if len(keys) == 0 {
		return []Result{}, nil
	}

	ids := make([]uint, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.RowKey)
	}
	var members []listing
	err = f.apply(e.listings(ctx), noDim).
		Select(listingColumns).
		Where(f.rowKey+" IN ?", ids).
		Order("p.price ASC, p.id ASC").
		Scan(&members).Error
	if err != nil {
		return nil, fmt.Errorf("search listings: %w", err)
	}

	cheapest := make(map[uint]Result, len(keys))
	for _, l := range members {
		k := l.ID
		if l.GroupID != nil && f.rowKey == "p.group_id" {
			k = *l.GroupID
		}
		if _, ok := cheapest[k]; !ok {
			cheapest[k] = listingResult(k, l)
		}
	}

	out := make([]Result, 0, len(keys))
	for _, k := range keys {
		r, ok := cheapest[k.RowKey]
		if !ok {
			// removed between the two reads
			continue
		}
		if k.AvailRank >= 0 && k.AvailRank < len(bestAvailability) {
			r.Availability = bestAvailability[k.AvailRank]
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) facets(ctx context.Context, f *filter) (Facets, error) {
	var out Facets
	for _, d := range []struct {
		dim  int
		dest *[]FacetCount
	}{
		{dimBrand, &out.Brand},
		{dimCategory, &out.Category},
		{dimShop, &out.Shop},
		{dimAvailability, &out.Availability},
	} {
		counts, err := e.facet(ctx, f, d.dim)
		if err != nil {
			return out, err
		}
		*d.dest = counts
	}

	var prices struct {
		PriceMin decimal.NullDecimal
		PriceMax decimal.NullDecimal
	}
	err := f.apply(e.listings(ctx), dimPrice).
		Select("MIN(p.price) AS price_min, MAX(p.price) AS price_max").
		Scan(&prices).Error
	if err != nil {
		return out, fmt.Errorf("price facet: %w", err)
	}
	out.Price = PriceRange{Min: prices.PriceMin, Max: prices.PriceMax}
	return out, nil
}

// facet counts distinct rows per value of dim. Blank values are left out.
func (e *Engine) facet(ctx context.Context, f *filter, dim int) ([]FacetCount, error) {
	col := facetColumns[dim]
	var rows []struct {
		FacetValue string
		FacetCount int
	}
	err := f.apply(e.listings(ctx), dim).
		Select(fmt.Sprintf("%s AS facet_value, COUNT(DISTINCT %s) AS facet_count", col, f.rowKey)).
		Where(fmt.Sprintf("%s IS NOT NULL AND %s <> ''", col, col)).
		Group(col).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count %s facet: %w", col, err)
	}

	out := make([]FacetCount, 0, len(rows))
	for _, r := range rows {
		out = append(out, FacetCount{Value: r.FacetValue, Count: r.FacetCount})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	return out, nil
}

// nonBlank joins a single-value filter with its list form.
func nonBlank(one string, many []string) []string {
	var out []string
	for _, v := range append([]string{one}, many...) {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

func nameKeys(one string, many []string) []string {
	var out []string
	for _, v := range nonBlank(one, many) {
		if k := normalize.Name(v); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func inIDs(col string, ids map[uint]bool) (string, []interface{}) {
	if len(ids) == 0 {
		return "1 = 0", nil
	}
	list := make([]uint, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return col + " IN ?", []interface{}{list}
}

// categoryScope resolves a category filter to the matching nodes and all of
// their descendants. The filter names a node or spells out its path.
func (e *Engine) categoryScope(ctx context.Context, category string) (map[uint]bool, error) {
	db := e.db.WithContext(ctx).Model(&models.Category{})
	path := normalize.CategoryPath(normalize.CategorySegments(category))

	var roots []string
	err := db.Session(&gorm.Session{}).
		Where("normalized_name = ? OR path = ?", normalize.Name(category), path).
		Distinct().Pluck("path", &roots).Error
	if err != nil {
		return nil, fmt.Errorf("resolve category %q: %w", category, err)
	}

	scope := make(map[uint]bool)
	for _, root := range roots {
		var ids []uint
		err := db.Session(&gorm.Session{}).
			Where(`path = ? OR path LIKE ? ESCAPE '\'`, root, escapeLike(root+normalize.PathSeparator)+"%").
			Pluck("id", &ids).Error
		if err != nil {
			return nil, fmt.Errorf("resolve category %q: %w", category, err)
		}
		for _, id := range ids {
			scope[id] = true
		}
	}
	return scope, nil
}

// annotateGroups attaches the price summary and title of every group on the
// page, rebuilding summaries still flagged stale.
func (e *Engine) annotateGroups(ctx context.Context, page []Result) error {
	ids := make([]uint, 0, len(page))
	for _, r := range page {
		ids = append(ids, r.ID)
	}
	if _, err := e.aggregator.RefreshStale(ctx, ids); err != nil {
		return err
	}
	summaries, err := e.aggregator.Summaries(ctx, ids)
	if err != nil {
		return err
	}

	var groups []models.ProductGroup
	if err := e.db.WithContext(ctx).Where("id IN ?", ids).Find(&groups).Error; err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	titles := make(map[uint]string, len(groups))
	for _, g := range groups {
		titles[g.ID] = g.Title
	}

	for i := range page {
		r := &page[i]
		r.Shop = ""
		if t := titles[r.ID]; t != "" {
			r.Title = t
		}
		if s, ok := summaries[r.ID]; ok {
			r.Summary = summaryView(s)
			r.ShopCount = s.TotalShops
		}
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
