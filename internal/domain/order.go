package domain

import "time"

// Order - заказ, созданный в локальной транзакции по записи журнала.
// На одну запись журнала приходится не более одного заказа.
type Order struct {
	ID         int64
	ProductID  int64
	ProductNum int64
	StockLogID int64
	CreatedAt  time.Time
}

// Stock - долговременный остаток товара.
type Stock struct {
	ID          int64
	ProductID   int64
	ProductName string
	StockNum    int64
}

// OrderStatus - грубый результат reserveAndOrder для внешнего слоя.
type OrderStatus string

const (
	OrderStatusCreated    OrderStatus = "created"
	OrderStatusOutOfStock OrderStatus = "out_of_stock"
	OrderStatusError      OrderStatus = "error"
	// OrderStatusReserved - счётчик уменьшен, списание уйдёт асинхронно (reserveAndSync).
	OrderStatusReserved OrderStatus = "reserved"
)

// OrderResult возвращается из reserveAndOrder и reserveAndSync.
type OrderResult struct {
	Status     OrderStatus
	ProductID  int64
	StockLogID int64
	OrderID    int64
	// Token и MessageID заполняет только reserveAndSync.
	Token     string
	MessageID string
	// Warning - нефатальная проблема, например неудачная отправка сообщения.
	Warning string
}
