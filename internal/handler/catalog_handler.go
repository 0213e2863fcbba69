package handler

import (
	"net/http"

	"github.com/0097eo/cafe-zuko/internal/apperror"
	"github.com/0097eo/cafe-zuko/internal/middleware"
	"github.com/0097eo/cafe-zuko/internal/model"
	"github.com/0097eo/cafe-zuko/internal/service"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

type categoryRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description"`
}

type productRequest struct {
	Category    *uint           `json:"category"`
	Name        string          `json:"name" validate:"required,max=255"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock" validate:"gte=0"`
	RoastType   model.RoastType `json:"roast_type" validate:"required,oneof=LIGHT MEDIUM DARK"`
	Origin      string          `json:"origin" validate:"max=100"`
	Image       string          `json:"image"`
	IsAvailable *bool           `json:"is_available"`
}

func (r productRequest) input() service.ProductInput {
	return service.ProductInput{
		CategoryID:  r.Category,
		Name:        r.Name,
		Description: r.Description,
		Price:       r.Price,
		Stock:       r.Stock,
		RoastType:   r.RoastType,
		Origin:      r.Origin,
		Image:       r.Image,
		IsAvailable: r.IsAvailable,
	}
}

type reviewRequest struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment"`
}

func (h *Handler) ListCategories(c echo.Context) error {
	categories, err := h.catalog.ListCategories(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, categories)
}

func (h *Handler) GetCategory(c echo.Context) error {
	id, err := pathID(c, "id", "category")
	if err != nil {
		return respondError(c, err)
	}
	category, err := h.catalog.GetCategory(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, category)
}

func (h *Handler) CreateCategory(c echo.Context) error {
	var req categoryRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	category, err := h.catalog.CreateCategory(c.Request().Context(), middleware.ActorFrom(c),
		service.CategoryInput{Name: req.Name, Description: req.Description})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, category)
}

func (h *Handler) UpdateCategory(c echo.Context) error {
	id, err := pathID(c, "id", "category")
	if err != nil {
		return respondError(c, err)
	}
	var req categoryRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	category, err := h.catalog.UpdateCategory(c.Request().Context(), middleware.ActorFrom(c), id,
		service.CategoryInput{Name: req.Name, Description: req.Description})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, category)
}

func (h *Handler) DeleteCategory(c echo.Context) error {
	id, err := pathID(c, "id", "category")
	if err != nil {
		return respondError(c, err)
	}
	if err := h.catalog.DeleteCategory(c.Request().Context(), middleware.ActorFrom(c), id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListProducts filters by the category, vendor and roast query parameters
func (h *Handler) ListProducts(c echo.Context) error {
	var (
		filter service.ProductFilter
		err    error
	)
	if filter.CategoryID, err = queryID(c, "category"); err != nil {
		return respondError(c, err)
	}
	if filter.VendorID, err = queryID(c, "vendor"); err != nil {
		return respondError(c, err)
	}
	if roast := model.RoastType(c.QueryParam("roast")); roast != "" {
		if !roast.Valid() {
			return respondError(c, apperror.InvalidField("roast", "must be one of LIGHT, MEDIUM, DARK"))
		}
		filter.RoastType = roast
	}

	products, err := h.catalog.ListProducts(c.Request().Context(), middleware.ActorFrom(c), filter)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, products)
}

func (h *Handler) GetProduct(c echo.Context) error {
	id, err := pathID(c, "id", "product")
	if err != nil {
		return respondError(c, err)
	}
	product, err := h.catalog.GetProduct(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, product)
}

func (h *Handler) CreateProduct(c echo.Context) error {
	var req productRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	product, err := h.catalog.CreateProduct(c.Request().Context(), middleware.ActorFrom(c), req.input())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, product)
}

func (h *Handler) UpdateProduct(c echo.Context) error {
	id, err := pathID(c, "id", "product")
	if err != nil {
		return respondError(c, err)
	}
	var req productRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	product, err := h.catalog.UpdateProduct(c.Request().Context(), middleware.ActorFrom(c), id, req.input())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, product)
}

func (h *Handler) DeleteProduct(c echo.Context) error {
	id, err := pathID(c, "id", "product")
	if err != nil {
		return respondError(c, err)
	}
	if err := h.catalog.DeleteProduct(c.Request().Context(), middleware.ActorFrom(c), id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListReviews(c echo.Context) error {
	productID, err := pathID(c, "id", "product")
	if err != nil {
		return respondError(c, err)
	}
	reviews, err := h.catalog.ListReviews(c.Request().Context(), productID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, reviews)
}

func (h *Handler) GetReview(c echo.Context) error {
	productID, reviewID, err := reviewPath(c)
	if err != nil {
		return respondError(c, err)
	}
	review, err := h.catalog.GetReview(c.Request().Context(), productID, reviewID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, review)
}

func (h *Handler) CreateReview(c echo.Context) error {
	productID, err := pathID(c, "id", "product")
	if err != nil {
		return respondError(c, err)
	}
	var req reviewRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	review, err := h.catalog.CreateReview(c.Request().Context(), middleware.ActorFrom(c), productID,
		service.ReviewInput{Rating: req.Rating, Comment: req.Comment})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, review)
}

func (h *Handler) UpdateReview(c echo.Context) error {
	productID, reviewID, err := reviewPath(c)
	if err != nil {
		return respondError(c, err)
	}
	var req reviewRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	review, err := h.catalog.UpdateReview(c.Request().Context(), middleware.ActorFrom(c), productID, reviewID,
		service.ReviewInput{Rating: req.Rating, Comment: req.Comment})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, review)
}

func (h *Handler) DeleteReview(c echo.Context) error {
	productID, reviewID, err := reviewPath(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := h.catalog.DeleteReview(c.Request().Context(), middleware.ActorFrom(c), productID, reviewID); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func reviewPath(c echo.Context) (productID, reviewID uint, err error) {
	if productID, err = pathID(c, "id", "product"); err != nil {
		return 0, 0, err
	}
	if reviewID, err = pathID(c, "review_id", "review"); err != nil {
		return 0, 0, err
	}
	return productID, reviewID, nil
}
