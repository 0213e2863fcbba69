package service

import (
	"context"
	"testing"

	"github.com/0097eo/cafe-zuko/internal/apperror"
	"github.com/0097eo/cafe-zuko/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func productInput(name, price string) ProductInput {
	return ProductInput{
		Name:      name,
		Price:     decimal.RequireFromString(price),
		Stock:     10,
		RoastType: model.RoastDark,
		Origin:    "Kirinyaga",
	}
}

func TestCategoriesAreStaffManaged(t *testing.T) {
	f := newFixtures(t)
	svc := NewCatalogService(f.db, nil)
	ctx := context.Background()

	_, err := svc.CreateCategory(ctx, f.customer("bob"), CategoryInput{Name: "Espresso"})
	assertKind(t, err, apperror.KindForbidden)

	staff := f.staff("admin")
	category, err := svc.CreateCategory(ctx, staff, CategoryInput{Name: "Espresso", Description: "Fine grind"})
	require.NoError(t, err)

	_, err = svc.CreateCategory(ctx, staff, CategoryInput{Name: "Espresso"})
	assertKind(t, err, apperror.KindDuplicate)

	updated, err := svc.UpdateCategory(ctx, staff, category.ID, CategoryInput{Name: "Espresso Blend"})
	require.NoError(t, err)
	assert.Equal(t, "Espresso Blend", updated.Name)

	_, vendorID := f.vendor("roaster")
	product := f.product(vendorID, "House Blend", "9.50")
	require.NoError(t, f.db.Model(&product).Update("category_id", category.ID).Error)

	require.NoError(t, svc.DeleteCategory(ctx, staff, category.ID))
	assertKind(t, svc.DeleteCategory(ctx, staff, category.ID), apperror.KindNotFound)

	var reloaded model.Product
	require.NoError(t, f.db.First(&reloaded, product.ID).Error)
	assert.Nil(t, reloaded.CategoryID)
}

func TestCreateProductRequiresVendor(t *testing.T) {
	f := newFixtures(t)
	svc := NewCatalogService(f.db, nil)
	ctx := context.Background()

	_, err := svc.CreateProduct(ctx, f.customer("bob"), productInput("Geisha", "30.00"))
	assertKind(t, err, apperror.KindForbidden)

	vendor, vendorID := f.vendor("kahawa")
	view, err := svc.CreateProduct(ctx, vendor, productInput("Geisha", "30.00"))
	require.NoError(t, err)
	assert.Equal(t, vendorID, view.VendorID)
	assert.Equal(t, "kahawa", view.Vendor)
	assert.Equal(t, "30.00", view.Price)
	assert.True(t, view.IsAvailable)
	assert.Empty(t, view.Reviews)
	assert.Nil(t, view.AverageRating)
}

func TestCreateProductValidation(t *testing.T) {
	f := newFixtures(t)
	svc := NewCatalogService(f.db, nil)
	vendor, _ := f.vendor("kahawa")

	in := productInput("", "-1")
	in.Stock = -3
	in.RoastType = "BURNT"
	_, err := svc.CreateProduct(context.Background(), vendor, in)
	appErr := assertKind(t, err, apperror.KindValidation)
	assert.Len(t, appErr.Fields, 4)

	missing := uint(999)
	in = productInput("Ok", "1.00")
	in.CategoryID = &missing
	_, err = svc.CreateProduct(context.Background(), vendor, in)
	appErr = assertKind(t, err, apperror.KindValidation)
	assert.Contains(t, appErr.Fields, "category")
}

func TestProductMutationIsOwnerOnly(t *testing.T) {
	f := newFixtures(t)
	svc := NewCatalogService(f.db, nil)
	ctx := context.Background()

	owner, ownerID := f.vendor("owner")
	other, _ := f.vendor("other")
	product := f.product(ownerID, "Peaberry", "12.00")

	_, err := svc.UpdateProduct(ctx, other, product.ID, productInput("Stolen", "1.00"))
	assertKind(t, err, apperror.KindNotFound)
	assertKind(t, svc.DeleteProduct(ctx, other, product.ID), apperror.KindNotFound)

	in := productInput("Peaberry AA", "14.50")
	unavailable := false
	in.IsAvailable = &unavailable
	view, err := svc.UpdateProduct(ctx, owner, product.ID, in)
	require.NoError(t, err)
	assert.Equal(t, "Peaberry AA", view.Name)
	assert.Equal(t, "14.50", view.Price)
	assert.False(t, view.IsAvailable)
	assert.Equal(t, ownerID, view.VendorID)

	require.NoError(t, svc.DeleteProduct(ctx, owner, product.ID))
	_, err = svc.GetProduct(ctx, product.ID)
	assertKind(t, err, apperror.KindNotFound)
	assertKind(t, svc.DeleteProduct(ctx, owner, product.ID), apperror.KindNotFound)
}

func TestListProductsVisibility(t *testing.T) {
	f := newFixtures(t)
	svc := NewCatalogService(f.db, nil)
	ctx := context.Background()

	owner, ownerID := f.vendor("owner")
	other, otherID := f.vendor("other")
	f.product(ownerID, "Visible", "5.00")
	hidden := f.product(ownerID, "Hidden", "5.00")
	require.NoError(t, f.db.Model(&hidden).Update("is_available", false).Error)
	light := f.product(otherID, "Light", "6.00")
	require.NoError(t, f.db.Model(&light).Update("roast_type", model.RoastLight).Error)

	names := func(views []ProductView) []string {
		out := make([]string, 0, len(views))
		for _, v := range views {
			out = append(out, v.Name)
		}
		return out
	}

	customerView, err := svc.ListProducts(ctx, f.customer("c"), ProductFilter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Visible", "Light"}, names(customerView))

	ownerView, err := svc.ListProducts(ctx, owner, ProductFilter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Visible", "Hidden", "Light"}, names(ownerView))

	otherView, err := svc.ListProducts(ctx, other, ProductFilter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Visible", "Light"}, names(otherView))

	staffView, err := svc.ListProducts(ctx, f.staff("s"), ProductFilter{VendorID: ownerID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Visible", "Hidden"}, names(staffView))

	byRoast, err := svc.ListProducts(ctx, Actor{}, ProductFilter{RoastType: model.RoastLight})
	require.NoError(t, err)
	assert.Equal(t, []string{"Light"}, names(byRoast))
}

func TestReviews(t *testing.T) {
	f := newFixtures(t)
	store := newMemoryStore()
	svc := NewCatalogService(f.db, store)
	ctx := context.Background()

	_, vendorID := f.vendor("roaster")
	product := f.product(vendorID, "Ruiru 11", "8.00")
	alice := f.customer("alice")
	bob := f.customer("bob")

	_, err := svc.CreateReview(ctx, alice, product.ID, ReviewInput{Rating: 6})
	assertKind(t, err, apperror.KindValidation)

	view, err := svc.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Nil(t, view.AverageRating)
	assert.True(t, store.has(productCacheKey(product.ID)))

	first, err := svc.CreateReview(ctx, alice, product.ID, ReviewInput{Rating: 5, Comment: "Bright"})
	require.NoError(t, err)
	assert.Equal(t, "alice", first.User)
	assert.False(t, store.has(productCacheKey(product.ID)))

	_, err = svc.CreateReview(ctx, alice, product.ID, ReviewInput{Rating: 1})
	assertKind(t, err, apperror.KindDuplicate)

	_, err = svc.CreateReview(ctx, bob, product.ID, ReviewInput{Rating: 2})
	require.NoError(t, err)

	view, err = svc.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	require.NotNil(t, view.AverageRating)
	assert.InDelta(t, 3.5, *view.AverageRating, 0.0001)
	assert.Len(t, view.Reviews, 2)

	_, err = svc.UpdateReview(ctx, bob, product.ID, first.ID, ReviewInput{Rating: 1})
	assertKind(t, err, apperror.KindNotFound)
	assertKind(t, svc.DeleteReview(ctx, bob, product.ID, first.ID), apperror.KindNotFound)

	updated, err := svc.UpdateReview(ctx, alice, product.ID, first.ID, ReviewInput{Rating: 4, Comment: "Still good"})
	require.NoError(t, err)
	assert.Equal(t, 4, updated.Rating)

	require.NoError(t, svc.DeleteReview(ctx, alice, product.ID, first.ID))
	_, err = svc.GetReview(ctx, product.ID, first.ID)
	assertKind(t, err, apperror.KindNotFound)

	reviews, err := svc.ListReviews(ctx, product.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, "bob", reviews[0].User)

	_, err = svc.ListReviews(ctx, 4242)
	assertKind(t, err, apperror.KindNotFound)
}

func TestProductCacheIsInvalidatedOnUpdate(t *testing.T) {
	f := newFixtures(t)
	store := newMemoryStore()
	svc := NewCatalogService(f.db, store)
	ctx := context.Background()

	owner, ownerID := f.vendor("owner")
	product := f.product(ownerID, "Blend", "10.00")

	_, err := svc.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	require.True(t, store.has(productCacheKey(product.ID)))

	_, err = svc.UpdateProduct(ctx, owner, product.ID, productInput("Blend", "11.00"))
	require.NoError(t, err)
	assert.False(t, store.has(productCacheKey(product.ID)))

	view, err := svc.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, "11.00", view.Price)
}

func TestDeleteProductRemovesItFromCarts(t *testing.T) {
	f := newFixtures(t)
	catalog := NewCatalogService(f.db, nil)
	carts := NewCartService(f.db)
	ctx := context.Background()

	owner, ownerID := f.vendor("owner")
	only := f.product(ownerID, "Only", "3.00")
	kept := f.product(ownerID, "Kept", "4.00")
	alice := f.customer("alice")
	bob := f.customer("bob")

	_, err := carts.AddItem(ctx, alice, AddItemInput{VendorID: ownerID, ProductID: only.ID, Quantity: 1})
	require.NoError(t, err)
	_, err = carts.AddItem(ctx, bob, AddItemInput{VendorID: ownerID, ProductID: only.ID, Quantity: 1})
	require.NoError(t, err)
	_, err = carts.AddItem(ctx, bob, AddItemInput{VendorID: ownerID, ProductID: kept.ID, Quantity: 2})
	require.NoError(t, err)

	require.NoError(t, catalog.DeleteProduct(ctx, owner, only.ID))

	aliceCarts, err := carts.ListCarts(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, aliceCarts)

	bobCarts, err := carts.ListCarts(ctx, bob)
	require.NoError(t, err)
	require.Len(t, bobCarts, 1)
	require.Len(t, bobCarts[0].Items, 1)
	assert.Equal(t, kept.ID, bobCarts[0].Items[0].Product.ID)
	assert.Equal(t, "8.00", bobCarts[0].Total)
}
