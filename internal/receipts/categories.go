package receipts

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CategoryOther is where unmatched hints land.
const CategoryOther = "other"

// ExpenseCategories are the farm expense accounts in display order.
var ExpenseCategories = []string{
	"seeds",
	"fertilizer",
	"pesticides",
	"feed",
	"materials",
	"fuel_utilities",
	"repairs",
	"machinery",
	"shipping",
	"labor",
	"rent",
	"insurance",
	"supplies",
	CategoryOther,
}

// SaleCategories are the farm income accounts.
var SaleCategories = []string{
	"produce",
	"livestock",
	"processed_goods",
	"subsidy",
	CategoryOther,
}

// categoryKeywords maps each category to words that commonly appear in
// receipt hints, in English and Japanese.
var categoryKeywords = map[string][]string{
	"seeds":          {"seed", "seedling", "種", "種子", "種苗", "苗"},
	"fertilizer":     {"fertilizer", "fertiliser", "compost", "manure", "肥料", "堆肥", "化成", "石灰"},
	"pesticides":     {"pesticide", "herbicide", "fungicide", "insecticide", "農薬", "除草剤", "殺虫剤", "殺菌剤"},
	"feed":           {"feed", "fodder", "hay", "飼料", "餌", "えさ", "牧草"},
	"materials":      {"mulch", "vinyl", "sheet", "資材", "マルチ", "ビニール", "ネット", "支柱", "ポット"},
	"fuel_utilities": {"fuel", "gasoline", "diesel", "kerosene", "electric", "燃料", "軽油", "ガソリン", "灯油", "電気", "水道", "光熱"},
	"repairs":        {"repair", "maintenance", "parts", "修理", "修繕", "部品", "整備"},
	"machinery":      {"tractor", "machine", "equipment", "tool", "農機", "トラクター", "機械", "工具", "農機具"},
	"shipping":       {"shipping", "delivery", "freight", "packaging", "commission", "送料", "運賃", "配送", "段ボール", "箱", "出荷", "手数料", "荷造"},
	"labor":          {"labor", "labour", "wage", "salary", "人件費", "賃金", "給与", "雇人", "アルバイト"},
	"rent":           {"rent", "lease", "地代", "賃借", "借地", "リース"},
	"insurance":      {"insurance", "保険", "共済"},
	"supplies":       {"supplies", "stationery", "gloves", "消耗品", "文具", "手袋", "日用品"},
}

// MatchCategory maps a free-form category hint onto ExpenseCategories:
// exact name first, then keyword, then substring of a name, then other.
func MatchCategory(hint string) string {
	h := normalize(hint)
	if h == "" {
		return CategoryOther
	}
	for _, c := range ExpenseCategories {
		if h == c {
			return c
		}
	}
	for _, c := range ExpenseCategories {
		for _, kw := range categoryKeywords[c] {
			if strings.Contains(h, normalize(kw)) {
				return c
			}
		}
	}
	for _, c := range ExpenseCategories {
		if c != CategoryOther && len(h) >= 3 && (strings.Contains(c, h) || strings.Contains(h, c)) {
			return c
		}
	}
	return CategoryOther
}

// ValidCategory reports whether category belongs to kind's list.
func ValidCategory(kind, category string) bool {
	list := ExpenseCategories
	if kind == "sale" {
		list = SaleCategories
	}
	for _, c := range list {
		if c == category {
			return true
		}
	}
	return false
}

// normalize folds full-width characters and case so "ＦＵＥＬ" matches
// "fuel".
func normalize(s string) string {
	s = norm.NFKC.String(strings.TrimSpace(s))
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, " ", "_")
}
