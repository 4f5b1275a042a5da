package model

// PriceDropPayload price_drop 通知的载荷。
type PriceDropPayload struct {
	ProductKey     string  `json:"product_key"`
	SupplierName   string  `json:"supplier_name"`
	OldPrice       string  `json:"old_price"`
	NewPrice       string  `json:"new_price"`
	DropPercentage float64 `json:"drop_percentage"`
}

// SheetUpdatePayload sheet_update 通知的载荷。
type SheetUpdatePayload struct {
	SupplierName   string `json:"supplier_name"`
	ProductType    string `json:"product_type"`
	DataReferencia string `json:"data_referencia"`
}

// SystemPayload system 通知的载荷。
type SystemPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}
