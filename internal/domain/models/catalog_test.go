package models

import "testing"

func TestRecordsExpandsVariants(t *testing.T) {
	products := []*Product{
		{
			ID: "p1",
			Variants: []Variant{
				{ID: "v1", SKU: "SKU-1"},
				{ID: "v2", SKU: "SKU-2"},
			},
		},
		{ID: "p2"},
	}

	records := Records(products)
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Variant == nil || records[0].Variant.ID != "v1" {
		t.Errorf("unexpected first record: %+v", records[0])
	}
	if records[1].Variant == nil || records[1].Variant.ID != "v2" {
		t.Errorf("unexpected second record: %+v", records[1])
	}
	if records[2].Product.ID != "p2" || records[2].Variant != nil {
		t.Errorf("product without variants must yield a variant-less record: %+v", records[2])
	}
}

func TestRecordsSkipsNilProducts(t *testing.T) {
	products := []*Product{
		nil,
		{ID: "p1", Variants: []Variant{{ID: "v1"}}},
		nil,
	}

	records := Records(products)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Product.ID != "p1" {
		t.Errorf("unexpected record: %+v", records[0])
	}
}
