package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"feedcatalog/internal/catalog"
	"feedcatalog/internal/ingest"
	"feedcatalog/internal/metrics"
	"feedcatalog/internal/models"
	"feedcatalog/internal/search"
)

var validate = validator.New()

func (s *Server) registerHandlers() {
	e := s.echo

	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	e.GET("/search", s.search)
	e.GET("/groups/:id/comparison", s.comparison)
	e.GET("/suggestions", s.suggestions)
	e.GET("/categories/search", s.searchCategories)
	e.GET("/product/:id", s.product)
	e.GET("/product/ean/:ean", s.productsByEAN)

	e.GET("/shops", s.listShops)
	e.POST("/shops", s.createShop)
	e.POST("/shops/:id/runs", s.triggerRun)

	e.POST("/admin/process-feeds", s.processFeeds)
	e.POST("/admin/reconcile", s.reconcile)
	e.GET("/admin/stats", s.stats)
}

func (s *Server) health(c echo.Context) error {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request().Context())
	}
	if err != nil {
		logrus.WithError(err).Error("Health check failed")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) search(c echo.Context) error {
	q, err := parseQuery(c)
	if err != nil {
		return writeError(c, err)
	}
	resp, err := s.engine.Search(c.Request().Context(), q)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// parseQuery reads search parameters from the query string. Type errors are
// reported as *search.QueryError like any other invalid parameter.
func parseQuery(c echo.Context) (search.Query, error) {
	q := search.Query{
		Text:         c.QueryParam("q"),
		Category:     c.QueryParam("category"),
		Brand:        c.QueryParam("brand"),
		Shop:         c.QueryParam("shop"),
		Availability: c.QueryParam("availability"),
		Sort:         c.QueryParam("sort"),
		EAN:          c.QueryParam("ean"),
		MPN:          c.QueryParam("mpn"),
		Brands:       listParam(c, "brands"),
		Categories:   listParam(c, "categories"),
		Shops:        listParam(c, "shops"),
	}

	ints := []struct {
		name string
		dest *int
	}{{"page", &q.Page}, {"page_size", &q.PageSize}}
	for _, p := range ints {
		if v := c.QueryParam(p.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return q, &search.QueryError{Field: p.name, Reason: "must be an integer"}
			}
			*p.dest = n
		}
	}

	if v := c.QueryParam("shop_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return q, &search.QueryError{Field: "shop_id", Reason: "must be a shop id"}
		}
		q.ShopID = uint(id)
	}

	prices := []struct {
		name string
		dest **decimal.Decimal
	}{{"min_price", &q.MinPrice}, {"max_price", &q.MaxPrice}}
	for _, p := range prices {
		if v := c.QueryParam(p.name); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return q, &search.QueryError{Field: p.name, Reason: "must be a number"}
			}
			*p.dest = &d
		}
	}

	if v := c.QueryParam("in_stock"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return q, &search.QueryError{Field: "in_stock", Reason: "must be true or false"}
		}
		q.InStock = b
	}
	return q, nil
}

// listParam accepts both repeated and comma-separated values.
func listParam(c echo.Context, name string) []string {
	var out []string
	for _, v := range c.QueryParams()[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (s *Server) comparison(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return writeError(c, &search.QueryError{Field: "id", Reason: "must be a group id"})
	}
	cmp, err := s.engine.Comparison(c.Request().Context(), uint(id))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, cmp)
}

func intParam(c echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &search.QueryError{Field: name, Reason: "must be an integer"}
	}
	return n, nil
}

func (s *Server) suggestions(c echo.Context) error {
	limit, err := intParam(c, "limit")
	if err != nil {
		return writeError(c, err)
	}
	names, err := s.engine.Suggest(c.Request().Context(), c.QueryParam("q"), limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, names)
}

func (s *Server) searchCategories(c echo.Context) error {
	limit, err := intParam(c, "limit")
	if err != nil {
		return writeError(c, err)
	}
	found, err := s.engine.SearchCategories(c.Request().Context(), c.QueryParam("q"), limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, found)
}

func (s *Server) product(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return writeError(c, &search.QueryError{Field: "id", Reason: "must be a product id"})
	}
	p, err := s.engine.Product(c.Request().Context(), uint(id))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) productsByEAN(c echo.Context) error {
	offers, err := s.engine.ProductsByEAN(c.Request().Context(), c.Param("ean"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, offers)
}

type shopView struct {
	ID            uint         `json:"id"`
	Name          string       `json:"name"`
	FeedURL       string       `json:"feed_url"`
	Disabled      bool         `json:"disabled"`
	State         ingest.State `json:"state"`
	LastRunAt     *time.Time   `json:"last_run_at"`
	LastRunStatus string       `json:"last_run_status,omitempty"`
}

func newShopView(shop models.Shop, now time.Time) shopView {
	return shopView{
		ID:            shop.ID,
		Name:          shop.Name,
		FeedURL:       shop.FeedURL,
		Disabled:      shop.Disabled,
		State:         ingest.LeaseState(shop, now),
		LastRunAt:     shop.LastRunAt,
		LastRunStatus: shop.LastRunStatus,
	}
}

func (s *Server) listShops(c echo.Context) error {
	var shops []models.Shop
	if err := s.db.WithContext(c.Request().Context()).Order("name asc").Find(&shops).Error; err != nil {
		return writeError(c, err)
	}
	now := time.Now()
	out := make([]shopView, 0, len(shops))
	for _, shop := range shops {
		out = append(out, newShopView(shop, now))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) createShop(c echo.Context) error {
	var req struct {
		Name    string `json:"name" validate:"required,max=255"`
		FeedURL string `json:"feed_url" validate:"required,url,max=2048"`
	}
	if err := c.Bind(&req); err != nil {
		logrus.WithError(err).Error("Invalid shop request")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if err := validate.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	shop := models.Shop{Name: req.Name, FeedURL: req.FeedURL}
	if err := s.db.WithContext(c.Request().Context()).Create(&shop).Error; err != nil {
		if catalog.IsDuplicate(err) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "shop already exists"})
		}
		return writeError(c, err)
	}
	logrus.WithField("shop", shop.Name).Info("Shop created")
	return c.JSON(http.StatusCreated, newShopView(shop, time.Now()))
}

func (s *Server) triggerRun(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return writeError(c, &search.QueryError{Field: "id", Reason: "must be a shop id"})
	}
	run, err := s.sched.Start(c.Request().Context(), uint(id))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, run)
}

func (s *Server) processFeeds(c echo.Context) error {
	started, rejected, err := s.sched.RunAll(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	reasons := make(map[string]string, len(rejected))
	for shop, err := range rejected {
		reasons[shop] = err.Error()
	}
	if started == nil {
		started = []*ingest.Run{}
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"started":  started,
		"rejected": reasons,
	})
}

func (s *Server) reconcile(c echo.Context) error {
	report, err := s.store.Reconcile(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) stats(c echo.Context) error {
	st, err := s.engine.Stats(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}
