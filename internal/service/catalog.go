package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/0097eo/cafe-zuko/internal/apperror"
	"github.com/0097eo/cafe-zuko/internal/model"
	"github.com/0097eo/cafe-zuko/pkg/cache"
	"github.com/0097eo/cafe-zuko/pkg/logger"
	"github.com/0097eo/cafe-zuko/prometheus"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CategoryInput is the editable part of a category
type CategoryInput struct {
	Name        string
	Description string
}

// ProductInput carries every editable product field. Updates replace all of them.
type ProductInput struct {
	CategoryID  *uint
	Name        string
	Description string
	Price       decimal.Decimal
	Stock       int
	RoastType   model.RoastType
	Origin      string
	Image       string
	IsAvailable *bool
}

// ProductFilter narrows a product listing. Zero values are ignored.
type ProductFilter struct {
	CategoryID uint
	VendorID   uint
	RoastType  model.RoastType
}

// ReviewInput is the editable part of a review
type ReviewInput struct {
	Rating  int
	Comment string
}

// ReviewView is a review as shown to clients
type ReviewView struct {
	ID        uint      `json:"id"`
	ProductID uint      `json:"product_id"`
	User      string    `json:"user"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProductView is a product with its vendor name, reviews and average rating
type ProductView struct {
	ID            uint            `json:"id"`
	Vendor        string          `json:"vendor"`
	VendorID      uint            `json:"vendor_id"`
	Category      *uint           `json:"category"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Price         string          `json:"price"`
	Stock         int             `json:"stock"`
	RoastType     model.RoastType `json:"roast_type"`
	Origin        string          `json:"origin"`
	Image         string          `json:"image"`
	IsAvailable   bool            `json:"is_available"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Reviews       []ReviewView    `json:"reviews"`
	AverageRating *float64        `json:"average_rating"`
}

// CatalogService manages categories, products and reviews
type CatalogService struct {
	db    *gorm.DB
	cache cache.Store
}

func NewCatalogService(db *gorm.DB, store cache.Store) *CatalogService {
	if store == nil {
		store = cache.Nop{}
	}
	return &CatalogService{db: db, cache: store}
}

func productCacheKey(id uint) string {
	return fmt.Sprintf("product:%d", id)
}

// ---- categories ----

func (s *CatalogService) ListCategories(ctx context.Context) ([]model.Category, error) {
	var categories []model.Category
	if err := s.db.WithContext(ctx).Order("name").Find(&categories).Error; err != nil {
		return nil, internal(err)
	}
	return categories, nil
}

func (s *CatalogService) GetCategory(ctx context.Context, id uint) (*model.Category, error) {
	var category model.Category
	if err := s.db.WithContext(ctx).First(&category, id).Error; err != nil {
		return nil, notFoundOr(err, "category")
	}
	return &category, nil
}

// CreateCategory adds a category. Staff only.
func (s *CatalogService) CreateCategory(ctx context.Context, actor Actor, in CategoryInput) (_ *model.Category, err error) {
	ctx, span := startSpan(ctx, "CreateCategory", actor)
	defer func() { endSpan(span, err) }()

	if !actor.IsStaff {
		return nil, apperror.Forbidden("only staff can manage categories")
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, apperror.InvalidField("name", "this field is required")
	}

	category := model.Category{Name: in.Name, Description: in.Description}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkCategoryUnique(tx, 0, in.Name); err != nil {
			return err
		}
		return createOrDuplicate(tx, &category, "category with this name already exists")
	})
	if err != nil {
		return nil, internal(err)
	}

	logger.FromContext(ctx).Info("Category created", zap.Uint("category_id", category.ID), zap.String("name", category.Name))
	return &category, nil
}

// UpdateCategory replaces a category's name and description. Staff only.
func (s *CatalogService) UpdateCategory(ctx context.Context, actor Actor, id uint, in CategoryInput) (_ *model.Category, err error) {
	ctx, span := startSpan(ctx, "UpdateCategory", actor, attribute.Int64("category.id", int64(id)))
	defer func() { endSpan(span, err) }()

	if !actor.IsStaff {
		return nil, apperror.Forbidden("only staff can manage categories")
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, apperror.InvalidField("name", "this field is required")
	}

	var category model.Category
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(forUpdate()).First(&category, id).Error; err != nil {
			return notFoundOr(err, "category")
		}
		if err := checkCategoryUnique(tx, id, in.Name); err != nil {
			return err
		}
		category.Name = in.Name
		category.Description = in.Description
		if err := tx.Save(&category).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperror.Duplicate("category with this name already exists")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, internal(err)
	}
	return &category, nil
}

// DeleteCategory removes a category. Its products become uncategorized.
func (s *CatalogService) DeleteCategory(ctx context.Context, actor Actor, id uint) (err error) {
	ctx, span := startSpan(ctx, "DeleteCategory", actor, attribute.Int64("category.id", int64(id)))
	defer func() { endSpan(span, err) }()

	if !actor.IsStaff {
		return apperror.Forbidden("only staff can manage categories")
	}

	var productIDs []uint
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var category model.Category
		if err := tx.Clauses(forUpdate()).First(&category, id).Error; err != nil {
			return notFoundOr(err, "category")
		}
		if err := tx.Unscoped().Model(&model.Product{}).Where("category_id = ?", id).Pluck("id", &productIDs).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Model(&model.Product{}).Where("category_id = ?", id).Update("category_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&category).Error
	})
	if err != nil {
		return internal(err)
	}

	s.invalidate(ctx, productIDs...)
	logger.FromContext(ctx).Info("Category deleted", zap.Uint("category_id", id))
	return nil
}

// ---- products ----

// ListProducts lists products matching filter. Non-staff callers only see
// available products, except that vendors also see their own.
func (s *CatalogService) ListProducts(ctx context.Context, actor Actor, filter ProductFilter) (_ []ProductView, err error) {
	ctx, span := startSpan(ctx, "ListProducts", actor)
	defer func() { endSpan(span, err) }()

	defer prometheus.TrackDBOperation("list_products")(time.Now())
	db := s.db.WithContext(ctx)
	query := db.Model(&model.Product{})
	if !actor.IsStaff {
		if actor.IsVendor() {
			query = query.Where("(is_available = ? OR vendor_id IN (?))", true,
				db.Model(&model.VendorProfile{}).Select("id").Where("user_id = ?", actor.UserID))
		} else {
			query = query.Where("is_available = ?", true)
		}
	}
	if filter.CategoryID != 0 {
		query = query.Where("category_id = ?", filter.CategoryID)
	}
	if filter.VendorID != 0 {
		query = query.Where("vendor_id = ?", filter.VendorID)
	}
	if filter.RoastType != "" {
		query = query.Where("roast_type = ?", filter.RoastType)
	}

	var products []model.Product
	if err := withProductAssociations(query).Order("id").Find(&products).Error; err != nil {
		return nil, internal(err)
	}

	views := make([]ProductView, 0, len(products))
	for i := range products {
		views = append(views, newProductView(&products[i]))
	}
	return views, nil
}

// GetProduct returns a product detail view, served from the cache when possible
func (s *CatalogService) GetProduct(ctx context.Context, id uint) (_ *ProductView, err error) {
	ctx, span := startSpan(ctx, "GetProduct", Actor{}, attribute.Int64("product.id", int64(id)))
	defer func() { endSpan(span, err) }()
	log := logger.FromContext(ctx)

	var cached ProductView
	found, cacheErr := s.cache.Get(ctx, productCacheKey(id), &cached)
	switch {
	case cacheErr != nil:
		prometheus.CacheLookupsCounter.WithLabelValues("error").Inc()
		log.Warn("Product cache lookup failed", zap.Uint("product_id", id), zap.Error(cacheErr))
	case found:
		prometheus.CacheLookupsCounter.WithLabelValues("hit").Inc()
		return &cached, nil
	default:
		prometheus.CacheLookupsCounter.WithLabelValues("miss").Inc()
	}

	view, err := s.loadProduct(ctx, s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, productCacheKey(id), view); err != nil {
		log.Warn("Failed to cache product", zap.Uint("product_id", id), zap.Error(err))
	}
	return view, nil
}

// CreateProduct adds a product owned by the actor's vendor profile
func (s *CatalogService) CreateProduct(ctx context.Context, actor Actor, in ProductInput) (_ *ProductView, err error) {
	ctx, span := startSpan(ctx, "CreateProduct", actor)
	defer func() { endSpan(span, err) }()

	if !actor.IsVendor() {
		return nil, apperror.Forbidden("only vendors can create products")
	}
	if err := validateProduct(in); err != nil {
		return nil, err
	}

	var view *ProductView
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var vendor model.VendorProfile
		if err := tx.Where("user_id = ?", actor.UserID).First(&vendor).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperror.Forbidden("vendor profile required")
			}
			return err
		}
		if err := checkCategoryExists(tx, in.CategoryID); err != nil {
			return err
		}

		product := model.Product{VendorID: vendor.ID}
		applyProductInput(&product, in)
		if err := tx.Create(&product).Error; err != nil {
			return err
		}

		var err error
		view, err = s.loadProduct(ctx, tx, product.ID)
		return err
	})
	if err != nil {
		return nil, internal(err)
	}

	logger.FromContext(ctx).Info("Product created",
		zap.Uint("product_id", view.ID),
		zap.Uint("vendor_id", view.VendorID),
		zap.String("name", view.Name))
	return view, nil
}

// UpdateProduct replaces every editable field of one of the actor's products.
// Products of other vendors are reported as not found.
func (s *CatalogService) UpdateProduct(ctx context.Context, actor Actor, id uint, in ProductInput) (_ *ProductView, err error) {
	ctx, span := startSpan(ctx, "UpdateProduct", actor, attribute.Int64("product.id", int64(id)))
	defer func() { endSpan(span, err) }()

	if err := validateProduct(in); err != nil {
		return nil, err
	}

	var view *ProductView
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		product, err := ownedProduct(tx, actor, id)
		if err != nil {
			return err
		}
		if err := checkCategoryExists(tx, in.CategoryID); err != nil {
			return err
		}

		oldPrice := product.Price
		applyProductInput(product, in)
		if err := tx.Model(product).
			Select("category_id", "name", "description", "price", "stock", "roast_type", "origin", "image", "is_available").
			Updates(product).Error; err != nil {
			return err
		}
		if !oldPrice.Equal(product.Price) {
			logger.FromContext(ctx).Info("Product price changed",
				zap.Uint("product_id", id),
				zap.String("old_price", oldPrice.StringFixed(moneyPlaces)),
				zap.String("new_price", product.Price.StringFixed(moneyPlaces)))
		}

		view, err = s.loadProduct(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, internal(err)
	}

	s.invalidate(ctx, id)
	return view, nil
}

// DeleteProduct removes one of the actor's products and takes it out of
// every cart. Carts left empty are removed.
func (s *CatalogService) DeleteProduct(ctx context.Context, actor Actor, id uint) (err error) {
	ctx, span := startSpan(ctx, "DeleteProduct", actor, attribute.Int64("product.id", int64(id)))
	defer func() { endSpan(span, err) }()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		product, err := ownedProduct(tx, actor, id)
		if err != nil {
			return err
		}

		var cartIDs []uint
		if err := tx.Model(&model.CartItem{}).Where("product_id = ?", id).Distinct().Pluck("cart_id", &cartIDs).Error; err != nil {
			return err
		}
		if err := tx.Where("product_id = ?", id).Delete(&model.CartItem{}).Error; err != nil {
			return err
		}
		if len(cartIDs) > 0 {
			if err := tx.Where("id IN ? AND NOT EXISTS (?)", cartIDs,
				tx.Model(&model.CartItem{}).Select("1").Where("cart_items.cart_id = carts.id"),
			).Delete(&model.Cart{}).Error; err != nil {
				return err
			}
		}
		return tx.Delete(product).Error
	})
	if err != nil {
		return internal(err)
	}

	s.invalidate(ctx, id)
	logger.FromContext(ctx).Info("Product deleted", zap.Uint("product_id", id))
	return nil
}

// ---- reviews ----

func (s *CatalogService) ListReviews(ctx context.Context, productID uint) ([]ReviewView, error) {
	db := s.db.WithContext(ctx)
	if err := db.Select("id").First(&model.Product{}, productID).Error; err != nil {
		return nil, notFoundOr(err, "product")
	}

	var reviews []model.ProductReview
	if err := db.Preload("User").Where("product_id = ?", productID).Order("created_at").Find(&reviews).Error; err != nil {
		return nil, internal(err)
	}
	views := make([]ReviewView, 0, len(reviews))
	for i := range reviews {
		views = append(views, newReviewView(&reviews[i]))
	}
	return views, nil
}

func (s *CatalogService) GetReview(ctx context.Context, productID, reviewID uint) (*ReviewView, error) {
	var review model.ProductReview
	err := s.db.WithContext(ctx).Preload("User").
		Where("product_id = ?", productID).
		First(&review, reviewID).Error
	if err != nil {
		return nil, notFoundOr(err, "review")
	}
	view := newReviewView(&review)
	return &view, nil
}

// CreateReview adds the actor's review of a product. A user can review a
// product once.
func (s *CatalogService) CreateReview(ctx context.Context, actor Actor, productID uint, in ReviewInput) (_ *ReviewView, err error) {
	ctx, span := startSpan(ctx, "CreateReview", actor, attribute.Int64("product.id", int64(productID)))
	defer func() { endSpan(span, err) }()

	if err := validateReview(in); err != nil {
		return nil, err
	}

	var review model.ProductReview
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("id").First(&model.Product{}, productID).Error; err != nil {
			return notFoundOr(err, "product")
		}

		var count int64
		if err := tx.Model(&model.ProductReview{}).
			Where("product_id = ? AND user_id = ?", productID, actor.UserID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return apperror.Duplicate("you have already reviewed this product")
		}

		review = model.ProductReview{
			ProductID: productID,
			UserID:    actor.UserID,
			Rating:    in.Rating,
			Comment:   in.Comment,
		}
		if err := createOrDuplicate(tx, &review, "you have already reviewed this product"); err != nil {
			return err
		}
		return tx.Preload("User").First(&review, review.ID).Error
	})
	if err != nil {
		return nil, internal(err)
	}

	s.invalidate(ctx, productID)
	view := newReviewView(&review)
	return &view, nil
}

// UpdateReview replaces the rating and comment of the actor's own review
func (s *CatalogService) UpdateReview(ctx context.Context, actor Actor, productID, reviewID uint, in ReviewInput) (_ *ReviewView, err error) {
	ctx, span := startSpan(ctx, "UpdateReview", actor, attribute.Int64("review.id", int64(reviewID)))
	defer func() { endSpan(span, err) }()

	if err := validateReview(in); err != nil {
		return nil, err
	}

	var review model.ProductReview
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(forUpdate()).
			Where("product_id = ? AND user_id = ?", productID, actor.UserID).
			First(&review, reviewID).Error; err != nil {
			return notFoundOr(err, "review")
		}
		if err := tx.Model(&review).Updates(map[string]interface{}{
			"rating":  in.Rating,
			"comment": in.Comment,
		}).Error; err != nil {
			return err
		}
		return tx.Preload("User").First(&review, review.ID).Error
	})
	if err != nil {
		return nil, internal(err)
	}

	s.invalidate(ctx, productID)
	view := newReviewView(&review)
	return &view, nil
}

// DeleteReview removes the actor's own review
func (s *CatalogService) DeleteReview(ctx context.Context, actor Actor, productID, reviewID uint) (err error) {
	ctx, span := startSpan(ctx, "DeleteReview", actor, attribute.Int64("review.id", int64(reviewID)))
	defer func() { endSpan(span, err) }()

	res := s.db.WithContext(ctx).
		Where("id = ? AND product_id = ? AND user_id = ?", reviewID, productID, actor.UserID).
		Delete(&model.ProductReview{})
	if res.Error != nil {
		return internal(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperror.NotFound("review")
	}

	s.invalidate(ctx, productID)
	return nil
}

// ---- helpers ----

func (s *CatalogService) loadProduct(ctx context.Context, db *gorm.DB, id uint) (*ProductView, error) {
	defer prometheus.TrackDBOperation("get_product")(time.Now())

	var product model.Product
	if err := withProductAssociations(db).First(&product, id).Error; err != nil {
		return nil, notFoundOr(err, "product")
	}
	view := newProductView(&product)
	return &view, nil
}

func (s *CatalogService) invalidate(ctx context.Context, ids ...uint) {
	if len(ids) == 0 {
		return
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, productCacheKey(id))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		logger.FromContext(ctx).Warn("Failed to invalidate product cache", zap.Strings("keys", keys), zap.Error(err))
	}
}

func withProductAssociations(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Vendor.User").
		Preload("Reviews", func(db *gorm.DB) *gorm.DB { return db.Order("created_at") }).
		Preload("Reviews.User")
}

// ownedProduct loads a product of the actor's vendor profile under a row lock
func ownedProduct(tx *gorm.DB, actor Actor, id uint) (*model.Product, error) {
	if !actor.IsVendor() {
		return nil, apperror.NotFound("product")
	}
	var product model.Product
	err := tx.Clauses(forUpdate()).
		Where("vendor_id IN (?)", tx.Model(&model.VendorProfile{}).Select("id").Where("user_id = ?", actor.UserID)).
		First(&product, id).Error
	if err != nil {
		return nil, notFoundOr(err, "product")
	}
	return &product, nil
}

func applyProductInput(p *model.Product, in ProductInput) {
	p.CategoryID = in.CategoryID
	p.Name = strings.TrimSpace(in.Name)
	p.Description = in.Description
	p.Price = in.Price.Round(moneyPlaces)
	p.Stock = in.Stock
	p.RoastType = in.RoastType
	p.Origin = in.Origin
	p.Image = in.Image
	p.IsAvailable = true
	if in.IsAvailable != nil {
		p.IsAvailable = *in.IsAvailable
	}
}

func validateProduct(in ProductInput) error {
	fields := map[string]string{}
	if strings.TrimSpace(in.Name) == "" {
		fields["name"] = "this field is required"
	}
	if in.Price.IsNegative() {
		fields["price"] = "ensure this value is greater than or equal to 0"
	}
	if in.Stock < 0 {
		fields["stock"] = "ensure this value is greater than or equal to 0"
	}
	if !in.RoastType.Valid() {
		fields["roast_type"] = "must be one of LIGHT, MEDIUM, DARK"
	}
	if len(fields) > 0 {
		return apperror.Validation("validation failed", fields)
	}
	return nil
}

func validateReview(in ReviewInput) error {
	if in.Rating < 1 || in.Rating > 5 {
		return apperror.InvalidField("rating", "rating must be between 1 and 5")
	}
	return nil
}

func checkCategoryExists(tx *gorm.DB, id *uint) error {
	if id == nil {
		return nil
	}
	var count int64
	if err := tx.Model(&model.Category{}).Where("id = ?", *id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return apperror.InvalidField("category", "category does not exist")
	}
	return nil
}

func checkCategoryUnique(tx *gorm.DB, exceptID uint, name string) error {
	var count int64
	if err := tx.Model(&model.Category{}).Where("name = ? AND id <> ?", name, exceptID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return apperror.Duplicate("category with this name already exists")
	}
	return nil
}

// createOrDuplicate inserts value, reporting a unique violation lost to a
// concurrent writer as a Duplicate error
func createOrDuplicate(tx *gorm.DB, value interface{}, message string) error {
	if err := tx.Create(value).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperror.Duplicate(message)
		}
		return err
	}
	return nil
}

func newReviewView(r *model.ProductReview) ReviewView {
	view := ReviewView{
		ID:        r.ID,
		ProductID: r.ProductID,
		Rating:    r.Rating,
		Comment:   r.Comment,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.User != nil {
		view.User = r.User.Username
	}
	return view
}

func newProductView(p *model.Product) ProductView {
	view := ProductView{
		ID:          p.ID,
		VendorID:    p.VendorID,
		Category:    p.CategoryID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price.StringFixed(moneyPlaces),
		Stock:       p.Stock,
		RoastType:   p.RoastType,
		Origin:      p.Origin,
		Image:       p.Image,
		IsAvailable: p.IsAvailable,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
		Reviews:     make([]ReviewView, 0, len(p.Reviews)),
	}
	if p.Vendor != nil && p.Vendor.User != nil {
		view.Vendor = p.Vendor.User.Username
	}

	sum := 0
	for i := range p.Reviews {
		view.Reviews = append(view.Reviews, newReviewView(&p.Reviews[i]))
		sum += p.Reviews[i].Rating
	}
	if n := len(p.Reviews); n > 0 {
		avg := float64(sum) / float64(n)
		view.AverageRating = &avg
	}
	return view
}
