package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// declareExchanges 事件交换机为topic类型，错误交换机为direct类型并绑定同名队列
func declareExchanges(ch Channel, exchange, errorExchange string) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(errorExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(errorExchange, true, false, false, false, nil); err != nil {
		return err
	}
	return ch.QueueBind(errorExchange, errorExchange, errorExchange, false, nil)
}

// declareQueue 订阅队列，路由键即topic
func declareQueue(ch Channel, exchange, queue, topic string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}
	return ch.QueueBind(queue, topic, exchange, false, nil)
}
